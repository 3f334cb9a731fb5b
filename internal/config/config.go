// Package config provides configuration management for Kennel. Settings
// resolve in three layers: built-in defaults, an optional YAML file, then
// environment variables with the KENNEL_ prefix. Later layers win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the Kennel memory service.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Engine      EngineConfig      `yaml:"engine"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Engine is the backend type: sqlite or postgres (default: sqlite).
	Engine string `yaml:"engine"`

	// DataPath is the data directory for the sqlite backend and the
	// notification event files (default: ./data).
	DataPath string `yaml:"data_path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EmbeddingConfig parameterizes the embedding provider.
type EmbeddingConfig struct {
	// Provider is ollama, openai, or none (default: ollama). With none the
	// service runs in lexical-only mode.
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider's API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default embedding model.
	Model string `yaml:"model"`

	// APIKey authenticates against hosted providers.
	APIKey string `yaml:"api_key"`

	// TimeoutSeconds bounds a single embedding request (default: 30).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// RequestsPerSecond rate-limits outbound embedding calls. Zero means
	// the provider default.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// EngineConfig exposes the engine's tunable thresholds. Zero values mean
// "use the built-in default"; the engine's own defaults are φ-derived.
type EngineConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	ImportanceDecay     float64 `yaml:"importance_decay"`
	PruneThreshold      float64 `yaml:"prune_threshold"`
	MinRelevance        float64 `yaml:"min_relevance"`
	StaleAfterDays      int     `yaml:"stale_after_days"`
	BatchSize           int     `yaml:"batch_size"`
	MaxMergePerRun      int     `yaml:"max_merge_per_run"`
	MaxPrunePerRun      int     `yaml:"max_prune_per_run"`
	MinReplayReward     float64 `yaml:"min_replay_reward"`
}

// MaintenanceConfig drives the kennel-maintain runner.
type MaintenanceConfig struct {
	// Interval between consolidation runs (default: 1h).
	Interval time.Duration `yaml:"interval"`

	// DryRun reports what a run would do without mutating anything.
	DryRun bool `yaml:"dry_run"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			TimeoutSeconds: 30,
		},
		Maintenance: MaintenanceConfig{
			Interval: time.Hour,
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// (or $KENNEL_CONFIG when path is empty; a missing file is not an error),
// then KENNEL_ environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("KENNEL_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres engine requires a DSN")
	}
	switch c.Embedding.Provider {
	case "ollama", "openai", "none", "":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Maintenance.Interval < 0 {
		return fmt.Errorf("config: maintenance interval must not be negative")
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Storage.Engine = getEnv("KENNEL_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("KENNEL_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("KENNEL_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.Embedding.Provider = getEnv("KENNEL_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.BaseURL = getEnv("KENNEL_EMBEDDING_URL", c.Embedding.BaseURL)
	c.Embedding.Model = getEnv("KENNEL_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIKey = getEnv("KENNEL_EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.TimeoutSeconds = getEnvInt("KENNEL_EMBEDDING_TIMEOUT_SECONDS", c.Embedding.TimeoutSeconds)
	c.Embedding.RequestsPerSecond = getEnvFloat("KENNEL_EMBEDDING_RPS", c.Embedding.RequestsPerSecond)

	c.Engine.SimilarityThreshold = getEnvFloat("KENNEL_SIMILARITY_THRESHOLD", c.Engine.SimilarityThreshold)
	c.Engine.ImportanceDecay = getEnvFloat("KENNEL_IMPORTANCE_DECAY", c.Engine.ImportanceDecay)
	c.Engine.PruneThreshold = getEnvFloat("KENNEL_PRUNE_THRESHOLD", c.Engine.PruneThreshold)
	c.Engine.MinRelevance = getEnvFloat("KENNEL_MIN_RELEVANCE", c.Engine.MinRelevance)
	c.Engine.StaleAfterDays = getEnvInt("KENNEL_STALE_AFTER_DAYS", c.Engine.StaleAfterDays)
	c.Engine.BatchSize = getEnvInt("KENNEL_BATCH_SIZE", c.Engine.BatchSize)
	c.Engine.MaxMergePerRun = getEnvInt("KENNEL_MAX_MERGE_PER_RUN", c.Engine.MaxMergePerRun)
	c.Engine.MaxPrunePerRun = getEnvInt("KENNEL_MAX_PRUNE_PER_RUN", c.Engine.MaxPrunePerRun)
	c.Engine.MinReplayReward = getEnvFloat("KENNEL_MIN_REPLAY_REWARD", c.Engine.MinReplayReward)

	if v := os.Getenv("KENNEL_MAINTENANCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Maintenance.Interval = d
		}
	}
	c.Maintenance.DryRun = getEnvBool("KENNEL_MAINTENANCE_DRY_RUN", c.Maintenance.DryRun)
}

// getEnv retrieves a string environment variable or returns the fallback.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable. Unparseable values
// fall back silently.
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvFloat retrieves a float environment variable. Unparseable values
// fall back silently.
func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvBool retrieves a boolean environment variable. It recognizes
// "true", "1", "yes" and their negations, case-insensitive.
func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return fallback
}
