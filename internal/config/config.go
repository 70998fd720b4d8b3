// Package config loads and validates gateway configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Upstream Memory API.
	MemoryBaseURL string

	// Prompt budgets.
	MaxPromptBytes     int
	SoftThresholdBytes int
	MinEvidenceItems   int

	// Selector identity.
	SelectorModelID string

	// Embeddings / vector resolution.
	EnableEmbeddings bool
	EmbeddingDim     int
	OllamaURL        string
	OllamaModel      string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// LLM policy.
	LLMMode    string // "on" or "off"
	LLMModelID string
	LLMBaseURL string

	// Per-stage deadlines.
	TimeoutSearch   time.Duration
	TimeoutExpand   time.Duration
	TimeoutEnrich   time.Duration
	TimeoutLLM      time.Duration
	TimeoutValidate time.Duration
	TimeoutRender   time.Duration

	// Rate limiting.
	RateLimitPerMinute int // 0 disables

	// Cache.
	RedisURL         string
	SnapshotPollEach time.Duration

	// Object store.
	MinioEndpoint  string
	MinioBucket    string
	MinioAccessKey string
	MinioSecretKey string
	MinioSecure    bool

	// Local artifact spool (fallback when the object store is down or unset).
	ArtifactDir string

	// Graph store (used by bvctl only; the gateway speaks the Memory API).
	ArangoHosts    []string
	ArangoDB       string
	ArangoUser     string
	ArangoPassword string

	// Final-response signing (optional). Hex-encoded 32-byte Ed25519 seed.
	SigningKeyHex string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		Port:         envInt("BATVAULT_PORT", 8080),
		ReadTimeout:  envDuration("BATVAULT_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: envDuration("BATVAULT_WRITE_TIMEOUT", 60*time.Second),

		MemoryBaseURL: envStr("MEMORY_API_URL", "http://localhost:8081"),

		MaxPromptBytes:     envInt("MAX_PROMPT_BYTES", 8192),
		SoftThresholdBytes: envInt("SOFT_THRESHOLD_BYTES", 6144),
		MinEvidenceItems:   envInt("MIN_EVIDENCE_ITEMS", 1),

		SelectorModelID: envStr("SELECTOR_MODEL_ID", "det-baseline"),

		EnableEmbeddings: envBool("ENABLE_EMBEDDINGS", false),
		EmbeddingDim:     envInt("EMBEDDING_DIM", 768),
		OllamaURL:        envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:      envStr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		QdrantURL:        envStr("QDRANT_URL", ""),
		QdrantAPIKey:     envStr("QDRANT_API_KEY", ""),
		QdrantCollection: envStr("QDRANT_COLLECTION", "vec_hnsw_768"),

		LLMMode:    envStr("LLM_MODE", "on"),
		LLMModelID: envStr("LLM_MODEL_ID", "llama3.1:8b"),
		LLMBaseURL: envStr("LLM_BASE_URL", "http://localhost:11434"),

		TimeoutSearch:   envMS("TIMEOUT_SEARCH_MS", 800),
		TimeoutExpand:   envMS("TIMEOUT_GRAPH_EXPAND_MS", 250),
		TimeoutEnrich:   envMS("TIMEOUT_ENRICH_MS", 600),
		TimeoutLLM:      envMS("TIMEOUT_LLM_MS", 1500),
		TimeoutValidate: envMS("TIMEOUT_VALIDATOR_MS", 300),
		TimeoutRender:   envMS("TIMEOUT_RENDER_MS", 200),

		RateLimitPerMinute: envInt("API_RATE_LIMIT_DEFAULT", 0),

		RedisURL:         envStr("REDIS_URL", ""),
		SnapshotPollEach: envDuration("SNAPSHOT_POLL_INTERVAL", 10*time.Second),

		MinioEndpoint:  envStr("MINIO_ENDPOINT", ""),
		MinioBucket:    envStr("MINIO_BUCKET", "batvault-artifacts"),
		MinioAccessKey: envStr("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: envStr("MINIO_SECRET_KEY", ""),
		MinioSecure:    envBool("MINIO_SECURE", false),

		ArtifactDir: envStr("BATVAULT_ARTIFACT_DIR", "artifacts"),

		ArangoHosts:    splitCSV(envStr("ARANGO_HOSTS", "http://localhost:8529")),
		ArangoDB:       envStr("ARANGO_DB", "batvault"),
		ArangoUser:     envStr("ARANGO_USER", "root"),
		ArangoPassword: envStr("ARANGO_PASSWORD", ""),

		SigningKeyHex: envStr("BATVAULT_SIGNING_KEY", ""),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "batvault-gateway"),

		LogLevel: envStr("BATVAULT_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks budget sanity and required settings.
func (c Config) Validate() error {
	if c.MemoryBaseURL == "" {
		return fmt.Errorf("config: MEMORY_API_URL is required")
	}
	if c.MaxPromptBytes <= 0 {
		return fmt.Errorf("config: MAX_PROMPT_BYTES must be positive")
	}
	if c.SoftThresholdBytes <= 0 || c.SoftThresholdBytes > c.MaxPromptBytes {
		return fmt.Errorf("config: SOFT_THRESHOLD_BYTES must be in (0, MAX_PROMPT_BYTES]")
	}
	if c.MinEvidenceItems < 1 {
		return fmt.Errorf("config: MIN_EVIDENCE_ITEMS must be at least 1")
	}
	if c.LLMMode != "on" && c.LLMMode != "off" {
		return fmt.Errorf("config: LLM_MODE must be on or off (got %q)", c.LLMMode)
	}
	if c.EnableEmbeddings && c.EmbeddingDim <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIM must be positive when embeddings are enabled")
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return fmt.Errorf("config: MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT")
	}
	return nil
}

// StageTimeoutsMS returns the stage budgets in milliseconds for meta reporting.
func (c Config) StageTimeoutsMS() map[string]int {
	return map[string]int{
		"resolve":  int(c.TimeoutSearch.Milliseconds()),
		"expand":   int(c.TimeoutExpand.Milliseconds()),
		"enrich":   int(c.TimeoutEnrich.Milliseconds()),
		"llm":      int(c.TimeoutLLM.Milliseconds()),
		"validate": int(c.TimeoutValidate.Milliseconds()),
		"render":   int(c.TimeoutRender.Milliseconds()),
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envMS reads a millisecond-valued integer env var as a Duration.
func envMS(key string, defaultMS int) time.Duration {
	return time.Duration(envInt(key, defaultMS)) * time.Millisecond
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
