package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/metrics"
	"atlas/internal/prompts"
	"atlas/internal/registry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuild_AssemblesRuntimeFromDefaults(t *testing.T) {
	dataPath := t.TempDir()
	path := writeConfig(t, "data_path: "+dataPath+"\n")

	rt, err := Build(context.Background(), path)
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, 1024, rt.Dimension) // voyage-3-large, the default embedding backend
	assert.Equal(t, "atlas_1024d", rt.Collection)
	assert.NotNil(t, rt.Storage)
	assert.NotNil(t, rt.Storage.Vector)
	assert.NotNil(t, rt.Tracker)
	assert.NotNil(t, rt.Prompts)
	assert.NotNil(t, rt.Metrics)

	_, err = rt.Prompts.Select("consolidation-classify", prompts.SelectOpts{
		AvailableCapabilities: map[registry.Capability]bool{registry.CapJSONCompletion: true},
	})
	assert.NoError(t, err, "default prompt registry should pre-register consolidation-classify")
}

func TestBuild_RegistersDistinctBackendsOnce(t *testing.T) {
	dataPath := t.TempDir()
	path := writeConfig(t, "data_path: "+dataPath+"\n"+
		"backends:\n  embedding: voyage:voyage-3-large\n  llm: anthropic:haiku\n")

	rt, err := Build(context.Background(), path)
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Registry.Select(registry.CapTextEmbedding)
	assert.NoError(t, err)
	_, err = rt.Registry.Select(registry.CapJSONCompletion)
	assert.NoError(t, err)
}

func TestBuild_MetricsDefaultsToNoop(t *testing.T) {
	dataPath := t.TempDir()
	path := writeConfig(t, "data_path: "+dataPath+"\n")

	rt, err := Build(context.Background(), path)
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, metrics.NoopSink{}, rt.Metrics, "metrics.Enabled defaults to false, so Build should fall back to the no-op sink")
}
