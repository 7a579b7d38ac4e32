// Package bootstrap wires a loaded config.Config into a running Registry,
// Storage Service, and File Tracker — the shared assembly both the daemon
// and every one-shot CLI subcommand use, grounded on the teacher's
// cmd/agentd/main.go top-of-main wiring sequence (config.Load -> logger ->
// registry -> tool/provider registration -> service construction).
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"atlas/internal/config"
	"atlas/internal/metrics"
	"atlas/internal/providers/anthropic"
	"atlas/internal/providers/google"
	"atlas/internal/providers/httpembed"
	"atlas/internal/providers/openai"
	"atlas/internal/prompts"
	"atlas/internal/registry"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

// knownDimensions resolves the embedding dimension for model names the
// config doesn't carry a dimension field for; unrecognized models default to
// Voyage's 1024, logged as a warning so a misconfiguration doesn't quietly
// write a wrong-dimension collection.
var knownDimensions = map[string]int{
	"voyage-3-large":       1024,
	"voyage-3":             1024,
	"voyage-code-3":        1024,
	"nomic-embed-text":     768,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-004":   768,
}

func dimensionFor(model string) int {
	if d, ok := knownDimensions[model]; ok {
		return d
	}
	log.Warn().Str("model", model).Msg("bootstrap: unknown embedding model, defaulting to 1024 dimensions")
	return 1024
}

// Runtime is every shared collaborator a CLI subcommand or the daemon needs.
type Runtime struct {
	Config     *config.Config
	ConfigPath string
	Registry   *registry.Registry
	Prompts    *prompts.Registry
	Storage    *storage.Service
	Tracker    *tracker.Tracker
	Dimension  int
	Collection string
	Metrics    metrics.Sink

	metricsShutdown func(context.Context) error
}

// Build loads config from path (empty uses defaults + env only), then
// assembles the registry, storage tiers, and tracker named in it.
func Build(ctx context.Context, path string) (*Runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	reg := registry.New()
	dim, err := registerBackends(ctx, reg, cfg.Backends, cfg)
	if err != nil {
		return nil, err
	}

	vector, err := storage.NewQdrantVector(cfg.Qdrant.URL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect qdrant: %w", err)
	}

	var fullText storage.FullTextStore
	if cfg.ClickHouse.Enabled {
		fullText, err = storage.NewClickHouseFullText(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect clickhouse: %w", err)
		}
	}

	var cache storage.Cache
	if cfg.Redis.Enabled {
		cache, err = storage.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect redis: %w", err)
		}
	}

	tr, err := tracker.Open(cfg.Tracker.Path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open tracker: %w", err)
	}

	var sink metrics.Sink = metrics.NoopSink{}
	var shutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdown, err = metrics.InitOTLP(ctx, cfg.Metrics.OTLPEndpoint, "atlas")
		if err != nil {
			log.Warn().Err(err).Msg("bootstrap: otlp metrics init failed, continuing without export")
		} else {
			sink = metrics.New("atlas")
		}
	}

	return &Runtime{
		Config:          cfg,
		ConfigPath:      path,
		Registry:        reg,
		Prompts:         prompts.Default(),
		Storage:         storage.New(vector, fullText, cache),
		Tracker:         tr,
		Dimension:       dim,
		Collection:      config.CollectionName(dim),
		Metrics:         sink,
		metricsShutdown: shutdown,
	}, nil
}

// registerBackends builds and registers one provider per distinct backend
// spec referenced by cfg.Backends, returning the text-embedding dimension
// (which determines the Qdrant collection name, spec §6.3).
func registerBackends(ctx context.Context, reg *registry.Registry, backends config.BackendsConfig, cfg *config.Config) (int, error) {
	built := map[config.BackendSpec]registry.Provider{}

	build := func(spec config.BackendSpec, dimension int) (registry.Provider, error) {
		if spec.Empty() {
			return nil, nil
		}
		if p, ok := built[spec]; ok {
			return p, nil
		}
		p, err := newProvider(ctx, spec, dimension, cfg)
		if err != nil {
			return nil, err
		}
		built[spec] = p
		reg.Register(p, 10)
		return p, nil
	}

	dimension := dimensionFor(backends.Embedding.Model())
	if _, err := build(backends.Embedding, dimension); err != nil {
		return 0, err
	}
	if _, err := build(backends.CodeEmbed, dimension); err != nil {
		return 0, err
	}
	if _, err := build(backends.Contextual, dimension); err != nil {
		return 0, err
	}
	if _, err := build(backends.Multimodal, dimension); err != nil {
		return 0, err
	}
	if _, err := build(backends.LLM, 0); err != nil {
		return 0, err
	}
	if !backends.Reranker.Empty() {
		log.Warn().Str("spec", string(backends.Reranker)).Msg("bootstrap: no reranking provider implementation available in this build; reranking capability left unregistered")
	}
	return dimension, nil
}

func newProvider(ctx context.Context, spec config.BackendSpec, dimension int, cfg *config.Config) (registry.Provider, error) {
	switch spec.Provider() {
	case "voyage":
		return httpembed.New("voyage", "https://api.voyageai.com/v1", spec.Model(), cfg.VoyageKey, dimension), nil
	case "ollama":
		base := cfg.OllamaURL
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		return httpembed.New("ollama", base, spec.Model(), "", dimension, httpembed.WithContextualized(8000)), nil
	case "anthropic":
		return anthropic.New(cfg.AnthropicKey, spec.Model(), http.DefaultClient), nil
	case "claude-code":
		return anthropic.New(cfg.AnthropicKey, spec.Model(), http.DefaultClient), nil
	case "openai":
		return openai.New(cfg.OpenAIKey, spec.Model(), spec.Model(), dimension, http.DefaultClient), nil
	case "google":
		return google.New(ctx, cfg.GoogleKey, spec.Model(), spec.Model(), dimension)
	default:
		return nil, fmt.Errorf("bootstrap: unknown backend provider %q in spec %q", spec.Provider(), spec)
	}
}

// Close releases every collaborator opened by Build.
func (r *Runtime) Close() {
	if r.Tracker != nil {
		_ = r.Tracker.Close()
	}
	if r.Storage != nil && r.Storage.Vector != nil {
		_ = r.Storage.Vector.Close()
	}
	if r.Storage != nil && r.Storage.FullText != nil {
		_ = r.Storage.FullText.Close()
	}
	if r.Storage != nil && r.Storage.Cache != nil {
		_ = r.Storage.Cache.Close()
	}
	if r.metricsShutdown != nil {
		_ = r.metricsShutdown(context.Background())
	}
}
