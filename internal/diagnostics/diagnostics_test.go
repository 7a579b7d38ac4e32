package diagnostics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/config"
	"atlas/internal/registry"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

type reachableEmbedder struct {
	fail bool
}

func (r reachableEmbedder) Name() string                  { return "reachable-embedder" }
func (r reachableEmbedder) Latency() registry.LatencyClass { return registry.LatencyFast }
func (r reachableEmbedder) Capabilities() map[registry.Capability]bool {
	return map[registry.Capability]bool{registry.CapTextEmbedding: true}
}
func (r reachableEmbedder) EmbedText(context.Context, []string) ([][]float32, error) { return nil, nil }
func (r reachableEmbedder) CheckReachability(context.Context) error {
	if r.fail {
		return errors.New("connection refused")
	}
	return nil
}

func TestRun_ReportsOKWhenEverythingHealthy(t *testing.T) {
	reg := registry.New()
	reg.Register(reachableEmbedder{}, 10)

	tr, err := tracker.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	store := storage.New(storage.NewMemoryVector(), storage.NewMemoryFullText(), storage.NewMemoryCache())
	require.NoError(t, store.Vector.CreateCollection(context.Background(), "atlas_text_4", map[string]int{"text": 4}, "cosine"))

	report := Run(context.Background(), Deps{
		Config:     &config.Config{AnthropicKey: "sk-test"},
		ConfigPath: "atlas.yaml",
		Registry:   reg,
		Vector:     store.Vector,
		Collection: "atlas_text_4",
		FullText:   store.FullText,
		Cache:      store.Cache,
		Tracker:    tr,
	})

	assert.NotNil(t, report.TrackerStats)
	assert.Equal(t, "atlas.yaml", report.Configuration.Detail)

	var vectorProbe Probe
	for _, p := range report.Services {
		if p.Name == "vector_store" {
			vectorProbe = p
		}
	}
	assert.Equal(t, StatusOK, vectorProbe.Status)
}

func TestRun_ReportsWarningWhenBackendUnreachable(t *testing.T) {
	reg := registry.New()
	reg.Register(reachableEmbedder{fail: true}, 10)

	report := Run(context.Background(), Deps{
		Config:   &config.Config{},
		Registry: reg,
		Vector:   storage.NewMemoryVector(),
	})

	var embedProbe Probe
	for _, p := range report.Services {
		if p.Name == string(registry.CapTextEmbedding) {
			embedProbe = p
		}
	}
	assert.Equal(t, StatusWarning, embedProbe.Status)
	assert.Contains(t, embedProbe.Detail, "reachable-embedder")
}

func TestRun_ReportsNotConfiguredForMissingCapability(t *testing.T) {
	report := Run(context.Background(), Deps{
		Config:   &config.Config{},
		Registry: registry.New(),
		Vector:   storage.NewMemoryVector(),
	})

	var completionReport ModelReport
	for _, m := range report.Models {
		if m.Capability == string(registry.CapTextCompletion) {
			completionReport = m
		}
	}
	assert.True(t, completionReport.Missing)
}

func TestSummarize_CountsEveryProbeStatus(t *testing.T) {
	report := Report{
		Environment:   []Probe{{Status: StatusOK}, {Status: StatusNotConfigured}},
		Services:      []Probe{{Status: StatusWarning}, {Status: StatusError}},
		Configuration: Probe{Status: StatusOK},
	}
	summary := summarize(report)
	assert.Equal(t, Summary{OK: 2, Warning: 1, Error: 1, NotConfigured: 1}, summary)
}
