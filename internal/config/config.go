// Package config loads Atlas's YAML configuration file and applies the
// environment/default overlay used by both the CLI and the daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// BackendSpec is a "provider[:model]" string, e.g. "voyage:voyage-3-large",
// "anthropic:haiku", "ollama:nomic-embed-text".
type BackendSpec string

// Provider returns the part of the spec before the first colon.
func (b BackendSpec) Provider() string {
	s := string(b)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Model returns the part of the spec after the first colon, or "" if absent.
func (b BackendSpec) Model() string {
	s := string(b)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func (b BackendSpec) Empty() bool { return strings.TrimSpace(string(b)) == "" }

// QdrantConfig describes the vector store tier (C6, mandatory).
type QdrantConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key,omitempty"`
	Metric         string `yaml:"metric"` // cosine|l2|ip|manhattan
	HNSWThreshold  int    `yaml:"hnsw_threshold"`
}

// ClickHouseConfig describes the optional full-text tier (C6).
type ClickHouseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// RedisConfig describes the optional cache tier (C6) and the daemon's
// compare-and-set lock primitive.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	TTL     int    `yaml:"ttl_seconds"`
}

// TrackerConfig describes the File Tracker's (C3) persisted database.
type TrackerConfig struct {
	Path        string `yaml:"path"`
	GraceDays   int    `yaml:"grace_period_days"`
}

// IngestConfig describes C4's tunables.
type IngestConfig struct {
	ChunkMinChars     int `yaml:"chunk_min_chars"`
	EmbedConcurrency  int `yaml:"embed_concurrency"`
	KeygenInitial     int `yaml:"keygen_initial_concurrency"`
	KeygenMin         int `yaml:"keygen_min_concurrency"`
	KeygenMax         int `yaml:"keygen_max_concurrency"`
	BatchSize         int `yaml:"batch_size"`
	BatchTimeoutMs    int `yaml:"batch_timeout_ms"`
	ContextSafeLimit  int `yaml:"context_safe_limit_tokens"`
	HNSWFileThreshold int `yaml:"hnsw_file_threshold"`
}

// ConsolidationConfig describes C5/C10's tunables.
type ConsolidationConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	CandidateLimit      int     `yaml:"candidate_limit"`
	WatchdogThreshold   int     `yaml:"watchdog_threshold"`
	WatchdogPollSeconds int     `yaml:"watchdog_poll_seconds"`
	GracePeriodDays     int     `yaml:"grace_period_days"`
}

// DaemonConfig describes C9's transport.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
	TCPPort    int    `yaml:"tcp_port,omitempty"`
	KafkaBrokers []string `yaml:"kafka_brokers,omitempty"`
	KafkaTopic   string   `yaml:"kafka_topic,omitempty"`
}

// BackendsConfig names the backend specifiers for each capability family.
type BackendsConfig struct {
	Embedding   BackendSpec `yaml:"embedding"`
	CodeEmbed   BackendSpec `yaml:"code_embedding,omitempty"`
	Contextual  BackendSpec `yaml:"contextual_embedding,omitempty"`
	Multimodal  BackendSpec `yaml:"multimodal_embedding,omitempty"`
	LLM         BackendSpec `yaml:"llm"`
	Reranker    BackendSpec `yaml:"reranker,omitempty"`
}

// LoggingConfig controls zerolog's global and per-module levels.
type LoggingConfig struct {
	Level   string            `yaml:"level"`
	Modules map[string]string `yaml:"modules,omitempty"`
}

// MetricsConfig controls the optional OTLP metrics exporter (spec §6.4).
type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Config is Atlas's full, loaded configuration.
type Config struct {
	DataPath      string              `yaml:"data_path"`
	AnthropicKey  string              `yaml:"anthropic_key,omitempty"`
	OpenAIKey     string              `yaml:"openai_api_key,omitempty"`
	GoogleKey     string              `yaml:"google_api_key,omitempty"`
	VoyageKey     string              `yaml:"voyage_key,omitempty"`
	OllamaURL     string              `yaml:"ollama_url,omitempty"`

	Backends      BackendsConfig      `yaml:"backends"`
	Qdrant        QdrantConfig        `yaml:"qdrant"`
	ClickHouse    ClickHouseConfig    `yaml:"clickhouse"`
	Redis         RedisConfig         `yaml:"redis"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// Load reads the configuration from a YAML file, applies defaults, and
// overlays a .env file (if present) for credentials. Missing files are not an
// error for the .env overlay, only for the YAML file itself when path is
// non-empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env overlay")
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverlay(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.AnthropicKey == "" {
		cfg.AnthropicKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.OpenAIKey == "" {
		cfg.OpenAIKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" && cfg.GoogleKey == "" {
		cfg.GoogleKey = v
	}
	if v := os.Getenv("VOYAGE_API_KEY"); v != "" && cfg.VoyageKey == "" {
		cfg.VoyageKey = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" && cfg.OllamaURL == "" {
		cfg.OllamaURL = v
	}
}

// applyDefaults fills unset fields. Only the data_path default is logged; the
// other defaults are applied without a log line.
func applyDefaults(cfg *Config) {
	if cfg.DataPath == "" {
		home, _ := os.UserHomeDir()
		cfg.DataPath = home + "/.local/share/atlas"
		log.Info().Str("data_path", cfg.DataPath).Msg("no data_path configured, using default")
	}
	if cfg.Qdrant.URL == "" {
		cfg.Qdrant.URL = "http://localhost:6334"
	}
	if cfg.Qdrant.Metric == "" {
		cfg.Qdrant.Metric = "cosine"
	}
	if cfg.Qdrant.HNSWThreshold <= 0 {
		cfg.Qdrant.HNSWThreshold = 64
	}
	if cfg.Tracker.Path == "" {
		cfg.Tracker.Path = cfg.DataPath + "/tracker.db"
	}
	if cfg.Tracker.GraceDays <= 0 {
		cfg.Tracker.GraceDays = 14
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 3600
	}
	if cfg.Ingest.ChunkMinChars <= 0 {
		cfg.Ingest.ChunkMinChars = 32
	}
	if cfg.Ingest.EmbedConcurrency <= 0 {
		cfg.Ingest.EmbedConcurrency = 3
	}
	if cfg.Ingest.KeygenInitial <= 0 {
		cfg.Ingest.KeygenInitial = 2
	}
	if cfg.Ingest.KeygenMin <= 0 {
		cfg.Ingest.KeygenMin = 1
	}
	if cfg.Ingest.KeygenMax <= 0 {
		cfg.Ingest.KeygenMax = 8
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = 50
	}
	if cfg.Ingest.BatchTimeoutMs <= 0 {
		cfg.Ingest.BatchTimeoutMs = 15000
	}
	if cfg.Ingest.ContextSafeLimit <= 0 {
		cfg.Ingest.ContextSafeLimit = 20000
	}
	if cfg.Ingest.HNSWFileThreshold <= 0 {
		cfg.Ingest.HNSWFileThreshold = cfg.Qdrant.HNSWThreshold
	}
	if cfg.Consolidation.SimilarityThreshold <= 0 {
		cfg.Consolidation.SimilarityThreshold = 0.92
	}
	if cfg.Consolidation.CandidateLimit <= 0 {
		cfg.Consolidation.CandidateLimit = 50
	}
	if cfg.Consolidation.WatchdogThreshold <= 0 {
		cfg.Consolidation.WatchdogThreshold = 100
	}
	if cfg.Consolidation.WatchdogPollSeconds <= 0 {
		cfg.Consolidation.WatchdogPollSeconds = 30
	}
	if cfg.Consolidation.GracePeriodDays <= 0 {
		cfg.Consolidation.GracePeriodDays = cfg.Tracker.GraceDays
	}
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = cfg.DataPath + "/atlas.sock"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Backends.Embedding.Empty() {
		cfg.Backends.Embedding = "voyage:voyage-3-large"
	}
	if cfg.Backends.LLM.Empty() {
		cfg.Backends.LLM = "anthropic:haiku"
	}
}

// GracePeriod returns the consolidation vacuum grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Consolidation.GracePeriodDays) * 24 * time.Hour
}

// CollectionName returns the Qdrant collection name for a text-embedding
// dimension, per §6.3: "atlas_{dim}d".
func CollectionName(dim int) string {
	return "atlas_" + strconv.Itoa(dim) + "d"
}
