// The batvault gateway answers "why was this decision taken?" over a curated
// decision graph: resolve the anchor, expand its neighborhood, assemble
// evidence deterministically, and stream a validated, fingerprinted answer.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/batvault/batvault/internal/artifacts"
	"github.com/batvault/batvault/internal/cache"
	"github.com/batvault/batvault/internal/config"
	"github.com/batvault/batvault/internal/embedding"
	"github.com/batvault/batvault/internal/evidence"
	"github.com/batvault/batvault/internal/gateway"
	"github.com/batvault/batvault/internal/llm"
	"github.com/batvault/batvault/internal/memory"
	"github.com/batvault/batvault/internal/model"
	"github.com/batvault/batvault/internal/pipeline"
	"github.com/batvault/batvault/internal/ratelimit"
	"github.com/batvault/batvault/internal/resolver"
	"github.com/batvault/batvault/internal/search"
	"github.com/batvault/batvault/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("BATVAULT_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("batvault starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// Memory API client: the gateway's only view of the graph.
	mem := memory.New(cfg.MemoryBaseURL)

	// Cache: Redis when configured, in-process otherwise. Keys are snapshot
	// scoped, so a cold cache is a latency problem, never a correctness one.
	var store cache.Store
	if cfg.RedisURL != "" {
		redisStore, err := cache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory cache", "error", err)
			store = cache.NewMemoryStore()
		} else {
			logger.Info("cache: redis")
			store = redisStore
		}
	} else {
		logger.Info("cache: in-memory")
		store = cache.NewMemoryStore()
	}
	defer func() { _ = store.Close() }()

	// Vector resolution is optional: disabled if embeddings are off or no
	// Qdrant URL is set. The BM25 path works without it.
	var searcher search.Searcher
	var embedder embedding.Provider
	if cfg.EnableEmbeddings && cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDim), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		embedder = newEmbeddingProvider(cfg, logger)
		logger.Info("vector resolution: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("vector resolution: disabled")
	}

	res := resolver.New(mem, searcher, embedder, store, logger)
	expander := evidence.NewExpander(mem, store, logger)

	// LLM caller (nil when off; the pipeline then always templates).
	var generator *llm.Caller
	if cfg.LLMMode == "on" {
		generator = llm.NewCaller(llm.NewOllamaProvider(cfg.LLMBaseURL, cfg.LLMModelID), logger)
		logger.Info("llm: enabled", "model", cfg.LLMModelID)
	} else {
		logger.Info("llm: off (deterministic templater only)")
	}

	// Artifact store: MinIO when configured, local spool otherwise. The
	// SQLite index backs the /v3/bundles verify view in both cases.
	artifactStore, signingPub, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}
	defer func() { _ = artifactStore.Close() }()

	timeouts := model.StageTimeouts{
		Resolve:  int(cfg.TimeoutSearch.Milliseconds()),
		Expand:   int(cfg.TimeoutExpand.Milliseconds()),
		Enrich:   int(cfg.TimeoutEnrich.Milliseconds()),
		LLM:      int(cfg.TimeoutLLM.Milliseconds()),
		Validate: int(cfg.TimeoutValidate.Milliseconds()),
		Render:   int(cfg.TimeoutRender.Milliseconds()),
	}

	pipelineDeps := pipeline.Deps{
		Snapshot:  mem,
		Resolver:  res,
		Expander:  expander,
		Artifacts: artifactStore,
		Cache:     store,
		Metrics:   metrics,
		Logger:    logger,
		Selector: evidence.Policy{
			MaxPromptBytes:     cfg.MaxPromptBytes,
			SoftThresholdBytes: cfg.SoftThresholdBytes,
			MinEvidenceItems:   cfg.MinEvidenceItems,
			SelectorModelID:    cfg.SelectorModelID,
		},
		Timeouts:       timeouts,
		LLMMode:        cfg.LLMMode,
		LLMModelID:     cfg.LLMModelID,
		GatewayVersion: version,
	}
	if generator != nil {
		pipelineDeps.Generator = generator
	}
	p, err := pipeline.New(pipelineDeps)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	logger.Info("policy pinned",
		"policy_fp", p.PolicyFingerprint(), "schema_fp", p.SchemaFingerprint())

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60, cfg.RateLimitPerMinute)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := gateway.New(gateway.ServerConfig{
		Pipeline:           p,
		Memory:             mem,
		Artifacts:          artifactStore,
		Cache:              store,
		Limiter:            limiter,
		Logger:             logger,
		Port:               cfg.Port,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		Version:            version,
		GatewayBase:        fmt.Sprintf("http://localhost:%d", cfg.Port),
		MemoryBase:         cfg.MemoryBaseURL,
		TimeoutsMS:         cfg.StageTimeoutsMS(),
		MaxPromptBytes:     cfg.MaxPromptBytes,
		SoftThresholdBytes: cfg.SoftThresholdBytes,
		MinEvidenceItems:   cfg.MinEvidenceItems,
		SigningPublicKey:   signingPub,
	})

	// Log snapshot movement so operators can correlate cache churn with
	// corpus publishes.
	go snapshotWatchLoop(ctx, mem, logger, cfg.SnapshotPollEach)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: drain in-flight streams first, then let the deferred
	// closes release the cache, index, and exporters.
	slog.Info("batvault shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("batvault stopped")
	return nil
}

// newArtifactStore wires the sink (MinIO or local spool), the SQLite index,
// and the optional Ed25519 signer. Returns the base64 public key for /config
// when signing is on.
func newArtifactStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*artifacts.Store, string, error) {
	var sink artifacts.Sink
	if cfg.MinioEndpoint != "" {
		minioSink, err := artifacts.NewMinioSink(ctx, artifacts.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Secure:    cfg.MinioSecure,
		})
		if err != nil {
			return nil, "", fmt.Errorf("minio: %w", err)
		}
		logger.Info("artifacts: minio", "bucket", cfg.MinioBucket)
		sink = minioSink
	} else {
		fsSink, err := artifacts.NewFSSink(cfg.ArtifactDir)
		if err != nil {
			return nil, "", fmt.Errorf("spool: %w", err)
		}
		logger.Info("artifacts: local spool", "dir", cfg.ArtifactDir)
		sink = fsSink
	}

	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("artifact dir: %w", err)
	}
	index, err := artifacts.NewIndex(filepath.Join(cfg.ArtifactDir, "index.db"))
	if err != nil {
		return nil, "", fmt.Errorf("index: %w", err)
	}

	var signer *artifacts.Signer
	signingPub := ""
	if cfg.SigningKeyHex != "" {
		signer, err = artifacts.NewSigner(cfg.SigningKeyHex)
		if err != nil {
			return nil, "", fmt.Errorf("signer: %w", err)
		}
		signingPub = base64.StdEncoding.EncodeToString(signer.PublicKey())
		logger.Info("artifacts: final-response signing enabled")
	}

	return artifacts.NewStore(sink, index, signer, logger), signingPub, nil
}

// newEmbeddingProvider picks Ollama when reachable, noop otherwise. Noop
// vectors are all-zero; the resolver detects that and skips the vector leg.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	if ollamaReachable(cfg.OllamaURL) {
		logger.Info("embedding provider: ollama",
			"url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", cfg.EmbeddingDim)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDim)
	}
	logger.Warn("ollama unreachable, using noop embeddings (vector resolution disabled)")
	return embedding.NewNoopProvider(cfg.EmbeddingDim)
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func snapshotWatchLoop(ctx context.Context, mem *memory.Client, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			etag, err := mem.SnapshotETag(ctx)
			if err != nil {
				logger.Warn("snapshot poll failed", "error", err)
				continue
			}
			if last != "" && etag != last {
				logger.Info("snapshot moved", "from", last, "to", etag)
			}
			last = etag
		}
	}
}
