package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Values come from environment
// variables, optionally overlaid by a YAML file named by MEMORYD_CONFIG.
type Config struct {
	// HTTP listen address for the local API.
	ListenAddr string `yaml:"listen_addr"`
	// Path to the SQLite cache database.
	DBPath string `yaml:"db_path"`
	// Base URL of the remote memory store. Empty disables remote entirely.
	RemoteURL string `yaml:"remote_url"`
	// Bearer token for the remote store.
	RemoteAPIKey string `yaml:"remote_api_key"`
	// Base URL of the embedding / summarization provider.
	LLMURL string `yaml:"llm_url"`
	// Model used for embeddings.
	EmbeddingModel string `yaml:"embedding_model"`
	// Embedding vector dimension.
	EmbeddingDim int `yaml:"embedding_dim"`
	// Model used for extraction summarization.
	SummaryModel string `yaml:"summary_model"`

	// Recall tuning.
	LexicalWeight   float64       `yaml:"lexical_weight"`
	VectorWeight    float64       `yaml:"vector_weight"`
	ProtectionBoost float64       `yaml:"protection_boost"`
	MinLocalResults int           `yaml:"min_local_results"`
	DefaultLimit    int           `yaml:"default_limit"`
	MaxRemoteLimit  int           `yaml:"max_remote_limit"`
	QueryCacheTTL   time.Duration `yaml:"query_cache_ttl"`
	RemoteTimeout   time.Duration `yaml:"remote_timeout"`

	// Extraction tuning.
	ExtractionInterval      time.Duration `yaml:"extraction_interval"`
	MinCandidateImportance  float64       `yaml:"min_candidate_importance"`
	DedupThreshold          float64       `yaml:"dedup_threshold"`
	MaxTurnsPerScan         int           `yaml:"max_turns_per_scan"`

	// Maintenance tuning.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	CacheMaxEntries     int           `yaml:"cache_max_entries"`
	StaleAfterHours     int           `yaml:"stale_after_hours"`

	// Warm-up tuning.
	WarmSize      int           `yaml:"warm_size"`
	WarmFreshness time.Duration `yaml:"warm_freshness"`

	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from the environment, applies the YAML overlay
// from MEMORYD_CONFIG if set, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:             envStr("MEMORYD_LISTEN_ADDR", "127.0.0.1:7780"),
		DBPath:                 envStr("MEMORYD_DB_PATH", defaultDBPath()),
		RemoteURL:              envStr("MEMORYD_REMOTE_URL", ""),
		RemoteAPIKey:           envStr("MEMORYD_REMOTE_API_KEY", ""),
		LLMURL:                 envStr("MEMORYD_LLM_URL", "http://localhost:11434"),
		EmbeddingModel:         envStr("MEMORYD_EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDim:           envInt("MEMORYD_EMBEDDING_DIM", 768),
		SummaryModel:           envStr("MEMORYD_SUMMARY_MODEL", "llama3.2"),
		LexicalWeight:          envFloat("MEMORYD_LEXICAL_WEIGHT", 0.3),
		VectorWeight:           envFloat("MEMORYD_VECTOR_WEIGHT", 0.7),
		ProtectionBoost:        envFloat("MEMORYD_PROTECTION_BOOST", 1.25),
		MinLocalResults:        envInt("MEMORYD_MIN_LOCAL_RESULTS", 3),
		DefaultLimit:           envInt("MEMORYD_DEFAULT_LIMIT", 10),
		MaxRemoteLimit:         envInt("MEMORYD_MAX_REMOTE_LIMIT", 50),
		QueryCacheTTL:          envDuration("MEMORYD_QUERY_CACHE_TTL", 60*time.Second),
		RemoteTimeout:          envDuration("MEMORYD_REMOTE_TIMEOUT", 2500*time.Millisecond),
		ExtractionInterval:     envDuration("MEMORYD_EXTRACTION_INTERVAL", 30*time.Second),
		MinCandidateImportance: envFloat("MEMORYD_MIN_CANDIDATE_IMPORTANCE", 0.3),
		DedupThreshold:         envFloat("MEMORYD_DEDUP_THRESHOLD", 0.92),
		MaxTurnsPerScan:        envInt("MEMORYD_MAX_TURNS_PER_SCAN", 200),
		MaintenanceInterval:    envDuration("MEMORYD_MAINTENANCE_INTERVAL", 5*time.Minute),
		CacheMaxEntries:        envInt("MEMORYD_CACHE_MAX_ENTRIES", 2000),
		StaleAfterHours:        envInt("MEMORYD_STALE_AFTER_HOURS", 24),
		WarmSize:               envInt("MEMORYD_WARM_SIZE", 50),
		WarmFreshness:          envDuration("MEMORYD_WARM_FRESHNESS", 5*time.Minute),
		LogLevel:               envStr("MEMORYD_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("MEMORYD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.LexicalWeight < 0 || c.VectorWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	if sum := c.LexicalWeight + c.VectorWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("search weights must sum to 1.0, got %.3f", sum)
	}
	if c.ProtectionBoost < 1 {
		return fmt.Errorf("protection boost must be >= 1, got %.3f", c.ProtectionBoost)
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("dedup threshold must be in (0,1], got %.3f", c.DedupThreshold)
	}
	if c.DefaultLimit <= 0 || c.MaxRemoteLimit <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.DefaultLimit > c.MaxRemoteLimit {
		return fmt.Errorf("default limit %d exceeds max limit %d", c.DefaultLimit, c.MaxRemoteLimit)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive")
	}
	return nil
}

// RemoteEnabled reports whether a remote store is configured.
func (c *Config) RemoteEnabled() bool {
	return c.RemoteURL != ""
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "memoryd.db"
	}
	return filepath.Join(home, ".memoryd", "cache.db")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
