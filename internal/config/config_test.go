package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAppliedWhenFileEmpty(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "cosine", cfg.Qdrant.Metric)
	assert.Equal(t, 64, cfg.Qdrant.HNSWThreshold)
	assert.Equal(t, 14, cfg.Tracker.GraceDays)
	assert.Equal(t, 50, cfg.Ingest.BatchSize)
	assert.Equal(t, 15000, cfg.Ingest.BatchTimeoutMs)
	assert.Equal(t, 0.92, cfg.Consolidation.SimilarityThreshold)
	assert.Equal(t, 100, cfg.Consolidation.WatchdogThreshold)
	assert.Equal(t, "anthropic:haiku", string(cfg.Backends.LLM))
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/atlas.yaml")
	require.Error(t, err)
}

func TestBackendSpec_ProviderAndModel(t *testing.T) {
	spec := BackendSpec("voyage:voyage-3-large")
	assert.Equal(t, "voyage", spec.Provider())
	assert.Equal(t, "voyage-3-large", spec.Model())

	bare := BackendSpec("ollama")
	assert.Equal(t, "ollama", bare.Provider())
	assert.Equal(t, "", bare.Model())
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "atlas_1024d", CollectionName(1024))
}
