package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/batvault/batvault/internal/artifacts"
	"github.com/batvault/batvault/internal/cache"
	"github.com/batvault/batvault/internal/pipeline"
	"github.com/batvault/batvault/internal/ratelimit"
)

// Server is the BatVault HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Artifacts, Cache, Limiter.
type ServerConfig struct {
	// Required dependencies.
	Pipeline *pipeline.Pipeline
	Memory   schemaSource
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Artifacts *artifacts.Store
	Cache     cache.Store
	Limiter   ratelimit.Limiter

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string

	// Public config surface.
	GatewayBase        string
	MemoryBase         string
	TimeoutsMS         map[string]int
	MaxPromptBytes     int
	SoftThresholdBytes int
	MinEvidenceItems   int
	SigningPublicKey   string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Pipeline:           cfg.Pipeline,
		Memory:             cfg.Memory,
		Artifacts:          cfg.Artifacts,
		Cache:              cfg.Cache,
		Logger:             cfg.Logger,
		Version:            cfg.Version,
		GatewayBase:        cfg.GatewayBase,
		MemoryBase:         cfg.MemoryBase,
		TimeoutsMS:         cfg.TimeoutsMS,
		MaxPromptBytes:     cfg.MaxPromptBytes,
		SoftThresholdBytes: cfg.SoftThresholdBytes,
		MinEvidenceItems:   cfg.MinEvidenceItems,
		SigningPublicKey:   cfg.SigningPublicKey,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	queryRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Query stream (rate limited by client IP).
	mux.Handle("POST /v3/query", queryRL(http.HandlerFunc(h.HandleQuery)))

	// Audit trail verify view.
	mux.HandleFunc("GET /v3/bundles/{request_id}", h.HandleBundle)

	// Public config and schema explorer.
	mux.HandleFunc("GET /config", h.HandleConfig)
	mux.HandleFunc("GET /v2/schema/fields", h.HandleSchemaFields)
	mux.HandleFunc("GET /v2/schema/rels", h.HandleSchemaRels)

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
