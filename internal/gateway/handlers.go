package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/batvault/batvault/internal/artifacts"
	"github.com/batvault/batvault/internal/cache"
	"github.com/batvault/batvault/internal/model"
	"github.com/batvault/batvault/internal/pipeline"
)

// schemaSource is the slice of the Memory API the schema and health handlers
// depend on.
type schemaSource interface {
	SchemaRels(ctx context.Context) ([]string, error)
	Healthy(ctx context.Context) error
}

// schemaRelsTTL bounds how long the proxied relation catalog is served from
// cache.
const schemaRelsTTL = 5 * time.Minute

// fieldCatalog lists the queryable fields of the evidence corpus, served by
// GET /v2/schema/fields.
var fieldCatalog = []string{
	"id",
	"type",
	"timestamp",
	"decision_maker",
	"option",
	"rationale",
	"reason",
	"summary",
	"description",
	"snippet",
	"tags",
	"based_on",
	"supported_by",
	"transitions",
	"led_to",
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	pipeline  *pipeline.Pipeline
	memory    schemaSource
	artifacts *artifacts.Store
	cache     cache.Store
	logger    *slog.Logger
	startedAt time.Time
	version   string

	gatewayBase      string
	memoryBase       string
	timeoutsMS       map[string]int
	maxPromptBytes   int
	softThreshold    int
	minEvidenceItems int
	signingPubB64    string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Artifacts, Cache.
type HandlersDeps struct {
	Pipeline  *pipeline.Pipeline
	Memory    schemaSource
	Artifacts *artifacts.Store
	Cache     cache.Store
	Logger    *slog.Logger
	Version   string

	GatewayBase        string
	MemoryBase         string
	TimeoutsMS         map[string]int
	MaxPromptBytes     int
	SoftThresholdBytes int
	MinEvidenceItems   int
	SigningPublicKey   string // base64, empty when signing is off
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		pipeline:         d.Pipeline,
		memory:           d.Memory,
		artifacts:        d.Artifacts,
		cache:            d.Cache,
		logger:           d.Logger,
		startedAt:        time.Now(),
		version:          d.Version,
		gatewayBase:      d.GatewayBase,
		memoryBase:       d.MemoryBase,
		timeoutsMS:       d.TimeoutsMS,
		maxPromptBytes:   d.MaxPromptBytes,
		softThreshold:    d.SoftThresholdBytes,
		minEvidenceItems: d.MinEvidenceItems,
		signingPubB64:    d.SigningPublicKey,
	}
}

// HandleQuery handles POST /v3/query: validate, check preconditions, then
// stream NDJSON. Once the stream starts, failures become error frames, never
// HTTP statuses.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req model.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindBadRequest.Code(), "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindBadRequest.Code(), err.Error())
		return
	}

	pre, err := h.pipeline.CheckPreconditions(r.Context(),
		r.Header.Get(model.HeaderSnapshotETag), r.Header.Get(model.HeaderPolicyKey))
	if err != nil {
		kind := model.KindOf(err)
		if kind == model.KindPolicyMismatch {
			// The server-side fingerprint lets the client re-pin and retry once.
			w.Header().Set(model.HeaderPolicyFP, h.pipeline.PolicyFingerprint())
		}
		writeError(w, r, kind.HTTPStatus(), kind.Code(), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(model.HeaderSnapshotETag, pre.SnapshotETag)
	w.Header().Set(model.HeaderPolicyFP, pre.PolicyFP)
	w.Header().Set(model.HeaderSchemaFP, pre.SchemaFP)

	// The content fingerprints are only known once the evidence is assembled,
	// so the status line is deferred until the first frame: the pipeline
	// reports them strictly before any write.
	em := pipeline.NewEmitter(w)
	h.pipeline.Run(r.Context(), req, pre,
		RequestIDFromContext(r.Context()), traceIDFromContext(r.Context()), em,
		func(fps model.Fingerprints) {
			hdr := w.Header()
			hdr.Set(model.HeaderAllowedIDsFP, fps.AllowedIDsFP)
			hdr.Set(model.HeaderGraphFP, fps.GraphFP)
			hdr.Set(model.HeaderBundleFP, fps.BundleFP)
		})
}

// BundleArtifact is one artifact in the verify view. Verified reports whether
// the stored bytes still hash to the indexed digest.
type BundleArtifact struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
	Verified  bool      `json:"verified"`
}

// BundleView is the response of GET /v3/bundles/{request_id}.
type BundleView struct {
	RequestID string           `json:"request_id"`
	Complete  bool             `json:"complete"`
	Signed    bool             `json:"signed"`
	Artifacts []BundleArtifact `json:"artifacts"`
}

// HandleBundle handles GET /v3/bundles/{request_id}: the audit trail of one
// query, with each artifact's digest recomputed against the stored bytes.
func (h *Handlers) HandleBundle(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		writeError(w, r, http.StatusNotFound, model.KindNotFound.Code(), "artifact persistence is disabled")
		return
	}
	requestID := r.PathValue("request_id")

	records, err := h.artifacts.List(r.Context(), requestID)
	if err != nil {
		h.logger.Error("bundle list failed", "request_id", requestID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.KindInternal.Code(), "artifact index unavailable")
		return
	}
	if len(records) == 0 {
		writeError(w, r, http.StatusNotFound, model.KindNotFound.Code(), "no artifacts for request "+requestID)
		return
	}

	view := BundleView{RequestID: requestID, Artifacts: make([]BundleArtifact, 0, len(records))}
	for _, rec := range records {
		art := BundleArtifact{
			Name:      rec.Name,
			Size:      rec.Size,
			SHA256:    rec.SHA256,
			CreatedAt: rec.CreatedAt,
		}
		if data, gerr := h.artifacts.Get(r.Context(), requestID, rec.Name); gerr == nil {
			sum := sha256.Sum256(data)
			art.Verified = hex.EncodeToString(sum[:]) == rec.SHA256
		}
		switch rec.Name {
		case artifacts.NameResponse:
			view.Complete = true
		case artifacts.NameSignature:
			view.Signed = true
		}
		view.Artifacts = append(view.Artifacts, art)
	}
	writeJSON(w, http.StatusOK, view)
}

// ConfigView is the public configuration served by GET /config.
type ConfigView struct {
	Version     string         `json:"version"`
	GatewayBase string         `json:"gateway_base"`
	MemoryBase  string         `json:"memory_base"`
	Endpoints   []string       `json:"endpoints"`
	TimeoutsMS  map[string]int `json:"timeouts_ms"`
	Budgets     BudgetView     `json:"budgets"`
	Policy      PolicyView     `json:"policy"`
	Signing     *SigningView   `json:"signing,omitempty"`
}

// BudgetView exposes the prompt budgets.
type BudgetView struct {
	MaxPromptBytes     int `json:"max_prompt_bytes"`
	SoftThresholdBytes int `json:"soft_threshold_bytes"`
	MinEvidenceItems   int `json:"min_evidence_items"`
}

// PolicyView pins the deterministic identity of this deployment.
type PolicyView struct {
	PolicyFP string `json:"policy_fp"`
	SchemaFP string `json:"schema_fp"`
}

// SigningView describes response signing, present only when a key is loaded.
type SigningView struct {
	Alg          string `json:"alg"`
	PublicKeyB64 string `json:"public_key_b64"`
}

// HandleConfig handles GET /config.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	view := ConfigView{
		Version:     h.version,
		GatewayBase: h.gatewayBase,
		MemoryBase:  h.memoryBase,
		Endpoints: []string{
			"POST /v3/query",
			"GET /v3/bundles/{request_id}",
			"GET /v2/schema/fields",
			"GET /v2/schema/rels",
			"GET /config",
			"GET /health",
		},
		TimeoutsMS: h.timeoutsMS,
		Budgets: BudgetView{
			MaxPromptBytes:     h.maxPromptBytes,
			SoftThresholdBytes: h.softThreshold,
			MinEvidenceItems:   h.minEvidenceItems,
		},
		Policy: PolicyView{
			PolicyFP: h.pipeline.PolicyFingerprint(),
			SchemaFP: h.pipeline.SchemaFingerprint(),
		},
	}
	if h.signingPubB64 != "" {
		view.Signing = &SigningView{Alg: "Ed25519", PublicKeyB64: h.signingPubB64}
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleSchemaFields handles GET /v2/schema/fields.
func (h *Handlers) HandleSchemaFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"fields": fieldCatalog})
}

// HandleSchemaRels handles GET /v2/schema/rels, proxied from the Memory API
// through the cache. The relation catalog only changes on redeploys.
func (h *Handlers) HandleSchemaRels(w http.ResponseWriter, r *http.Request) {
	key := cache.Key("schema_rels", "", "")
	if h.cache != nil {
		if cached, ok, err := h.cache.Get(r.Context(), key); err == nil && ok {
			var rels []string
			if jerr := json.Unmarshal(cached, &rels); jerr == nil {
				writeJSON(w, http.StatusOK, map[string][]string{"relations": rels})
				return
			}
		}
	}

	rels, err := h.memory.SchemaRels(r.Context())
	if err != nil {
		kind := model.KindOf(err)
		writeError(w, r, kind.HTTPStatus(), kind.Code(), "schema rels unavailable")
		return
	}
	if h.cache != nil {
		if buf, jerr := json.Marshal(rels); jerr == nil {
			if cerr := h.cache.Set(r.Context(), key, buf, schemaRelsTTL); cerr != nil {
				h.logger.Warn("schema rels cache set failed", "error", cerr)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"relations": rels})
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	MemoryAPI     string `json:"memory_api"`
	Artifacts     string `json:"artifacts"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health. Degraded (not down): the gateway can
// still serve cached bundles when the Memory API is unreachable.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	memStatus := "connected"
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.memory.Healthy(ctx); err != nil {
		memStatus = "disconnected"
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	artStatus := "disabled"
	if h.artifacts != nil {
		artStatus = "enabled"
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		MemoryAPI:     memStatus,
		Artifacts:     artStatus,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}
