package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/batvault/batvault/internal/artifacts"
	"github.com/batvault/batvault/internal/cache"
	"github.com/batvault/batvault/internal/evidence"
	"github.com/batvault/batvault/internal/model"
	"github.com/batvault/batvault/internal/pipeline"
	"github.com/batvault/batvault/internal/ratelimit"
	"github.com/batvault/batvault/internal/resolver"
)

type stubSnapshot struct{ etag string }

func (s *stubSnapshot) SnapshotETag(context.Context) (string, error) { return s.etag, nil }

type stubResolver struct{ id string }

func (s *stubResolver) Resolve(context.Context, string, string) (resolver.Match, error) {
	return resolver.Match{ID: s.id, Method: "slug", Score: 1}, nil
}

type stubExpander struct{ bundle model.EvidenceBundle }

func (s *stubExpander) Expand(context.Context, string, string) (model.EvidenceBundle, error) {
	return s.bundle, nil
}

type stubMemory struct {
	rels      []string
	relsCalls int
	healthErr error
}

func (s *stubMemory) SchemaRels(context.Context) ([]string, error) {
	s.relsCalls++
	return s.rels, nil
}

func (s *stubMemory) Healthy(context.Context) error { return s.healthErr }

func gatewayBundle() model.EvidenceBundle {
	ts := time.Date(2012, 10, 31, 0, 0, 0, 0, time.UTC)
	b := model.EvidenceBundle{
		Anchor: model.Anchor{ID: "panasonic#a", Type: model.NodeDecision, Timestamp: ts, Title: "Exit plasma"},
		Events: []model.Event{
			{ID: "panasonic#e1", Type: model.NodeEvent, Timestamp: ts, Summary: "Sales dropped"},
		},
	}
	b.RecomputeAllowedIDs()
	return b
}

type serverOpts struct {
	artifacts *artifacts.Store
	limiter   ratelimit.Limiter
	memory    *stubMemory
	signing   string
}

func newTestServer(t *testing.T, opts serverOpts) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	p, err := pipeline.New(pipeline.Deps{
		Snapshot:  &stubSnapshot{etag: "E1"},
		Resolver:  &stubResolver{id: "panasonic#a"},
		Expander:  &stubExpander{bundle: gatewayBundle()},
		Artifacts: opts.artifacts,
		Cache:     store,
		Logger:    logger,
		Selector: evidence.Policy{
			MaxPromptBytes:   8192,
			MinEvidenceItems: 1,
			SelectorModelID:  evidence.SelectorPolicyID,
		},
		Timeouts:       model.StageTimeouts{Resolve: 800, Expand: 250, Enrich: 600, LLM: 1500, Validate: 300, Render: 200},
		LLMMode:        "off",
		GatewayVersion: "test",
	})
	require.NoError(t, err)

	mem := opts.memory
	if mem == nil {
		mem = &stubMemory{rels: []string{"CAUSAL_PRECEDES", "LED_TO"}}
	}
	return New(ServerConfig{
		Pipeline:           p,
		Memory:             mem,
		Artifacts:          opts.artifacts,
		Cache:              store,
		Limiter:            opts.limiter,
		Logger:             logger,
		Version:            "test",
		GatewayBase:        "http://localhost:8080",
		MemoryBase:         "http://localhost:8081",
		TimeoutsMS:         map[string]int{"resolve": 800, "expand": 250, "enrich": 600, "validate": 300},
		MaxPromptBytes:     8192,
		SoftThresholdBytes: 6144,
		MinEvidenceItems:   1,
		SigningPublicKey:   opts.signing,
	})
}

func doQuery(t *testing.T, s *Server, body string, hdrs map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v3/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func streamFrames(t *testing.T, body *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestHandleQueryStreamsFinalFrame(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	rec := doQuery(t, s, `{"anchor":"panasonic#a"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "E1", rec.Header().Get(model.HeaderSnapshotETag))
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, rec.Header().Get(model.HeaderPolicyFP))
	assert.NotEmpty(t, rec.Header().Get(model.HeaderRequestID))
	for _, h := range []string{
		model.HeaderSchemaFP, model.HeaderAllowedIDsFP, model.HeaderGraphFP, model.HeaderBundleFP,
	} {
		assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, rec.Header().Get(h), h)
	}

	got := streamFrames(t, rec.Body)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, model.EvtFinal, last["evt"])

	raw, err := json.Marshal(last)
	require.NoError(t, err)
	var final model.FinalFrame
	require.NoError(t, json.Unmarshal(raw, &final))
	assert.Equal(t, model.SchemaVersion, final.SchemaVersion)
	assert.Contains(t, final.Response.Answer.SupportingIDs, "panasonic#a")
	assert.Equal(t, rec.Header().Get(model.HeaderRequestID), final.Response.Meta.Request.RequestID)
}

func TestHandleQueryEchoesClientRequestID(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	rec := doQuery(t, s, `{"anchor":"panasonic#a"}`, map[string]string{model.HeaderRequestID: "client-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "client-7", rec.Header().Get(model.HeaderRequestID))
}

func TestHandleQueryJoinsCallerTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(propagation.TraceContext{}) })

	s := newTestServer(t, serverOpts{})
	rec := doQuery(t, s, `{"anchor":"panasonic#a"}`, map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got := streamFrames(t, rec.Body)
	require.NotEmpty(t, got)
	raw, err := json.Marshal(got[len(got)-1])
	require.NoError(t, err)
	var final model.FinalFrame
	require.NoError(t, json.Unmarshal(raw, &final))
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", final.Response.Meta.Request.TraceID,
		"the stream runs inside the caller's trace")
}

func TestHandleQueryBadRequest(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	for name, body := range map[string]string{
		"empty":            `{}`,
		"both set":         `{"question":"why","anchor":"panasonic#a"}`,
		"unknown field":    `{"question":"why","nope":1}`,
		"malformed anchor": `{"anchor":"not a ref"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := doQuery(t, s, body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var apiErr model.APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
			assert.Equal(t, "bad_request", apiErr.Error.Code)
			assert.NotEmpty(t, apiErr.Meta.RequestID)
		})
	}
}

func TestHandleQueryStaleSnapshotReturns412(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	rec := doQuery(t, s, `{"anchor":"panasonic#a"}`, map[string]string{model.HeaderSnapshotETag: "E0"})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "precondition_failed", apiErr.Error.Code)
}

func TestHandleQueryStalePolicyReturns409(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	rec := doQuery(t, s, `{"anchor":"panasonic#a"}`, map[string]string{model.HeaderPolicyKey: "sha256:stale"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, rec.Header().Get(model.HeaderPolicyFP),
		"409 carries the server fingerprint so the client can re-pin")

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "policy_mismatch", apiErr.Error.Code)
}

func TestHandleQueryRateLimited(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(1.0/60, 1)
	t.Cleanup(func() { _ = lim.Close() })
	s := newTestServer(t, serverOpts{limiter: lim})

	rec := doQuery(t, s, `{"anchor":"panasonic#a"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doQuery(t, s, `{"anchor":"panasonic#a"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func newTestArtifacts(t *testing.T) *artifacts.Store {
	t.Helper()
	dir := t.TempDir()
	sink, err := artifacts.NewFSSink(dir)
	require.NoError(t, err)
	index, err := artifacts.NewIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	store := artifacts.NewStore(sink, index, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestHandleBundleVerifyView(t *testing.T) {
	store := newTestArtifacts(t)
	s := newTestServer(t, serverOpts{artifacts: store})

	rec := doQuery(t, s, `{"anchor":"panasonic#a"}`, map[string]string{model.HeaderRequestID: "req-bundle"})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v3/bundles/req-bundle", nil)
	brec := httptest.NewRecorder()
	s.Handler().ServeHTTP(brec, req)
	require.Equal(t, http.StatusOK, brec.Code)

	var view BundleView
	require.NoError(t, json.Unmarshal(brec.Body.Bytes(), &view))
	assert.Equal(t, "req-bundle", view.RequestID)
	assert.True(t, view.Complete, "final.json was written")
	assert.False(t, view.Signed, "no signer configured")

	names := make([]string, 0, len(view.Artifacts))
	for _, art := range view.Artifacts {
		names = append(names, art.Name)
		assert.True(t, art.Verified, "%s digest must match stored bytes", art.Name)
		assert.Regexp(t, `^[0-9a-f]{64}$`, art.SHA256)
	}
	assert.Contains(t, names, artifacts.NameEnvelope)
	assert.Contains(t, names, artifacts.NameEvidencePre)
	assert.Contains(t, names, artifacts.NameEvidencePos)
	assert.Contains(t, names, artifacts.NameLLMRaw)
	assert.Contains(t, names, artifacts.NameValidator)
	assert.Equal(t, artifacts.NameResponse, names[len(names)-1], "final response written last")
}

func TestHandleBundleNotFound(t *testing.T) {
	s := newTestServer(t, serverOpts{artifacts: newTestArtifacts(t)})

	req := httptest.NewRequest(http.MethodGet, "/v3/bundles/no-such-request", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleConfig(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view ConfigView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, view.Policy.PolicyFP)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, view.Policy.SchemaFP)
	assert.Equal(t, 8192, view.Budgets.MaxPromptBytes)
	assert.Contains(t, view.Endpoints, "POST /v3/query")
	assert.Nil(t, view.Signing, "signing block omitted without a key")
}

func TestHandleConfigExposesSigningKey(t *testing.T) {
	s := newTestServer(t, serverOpts{signing: "cHVibGljLWtleQ=="})

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view ConfigView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotNil(t, view.Signing)
	assert.Equal(t, "Ed25519", view.Signing.Alg)
	assert.Equal(t, "cHVibGljLWtleQ==", view.Signing.PublicKeyB64)
}

func TestHandleSchemaFields(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	req := httptest.NewRequest(http.MethodGet, "/v2/schema/fields", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["fields"], "rationale")
	assert.Contains(t, body["fields"], "timestamp")
}

func TestHandleSchemaRelsCaches(t *testing.T) {
	mem := &stubMemory{rels: []string{"CAUSAL_PRECEDES", "LED_TO"}}
	s := newTestServer(t, serverOpts{memory: mem})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v2/schema/rels", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string][]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, []string{"CAUSAL_PRECEDES", "LED_TO"}, body["relations"])
	}
	assert.Equal(t, 1, mem.relsCalls, "relation catalog served from cache after the first fetch")
}

func TestHandleHealthDegradedWhenMemoryDown(t *testing.T) {
	mem := &stubMemory{healthErr: context.DeadlineExceeded}
	s := newTestServer(t, serverOpts{memory: mem})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "disconnected", health.MemoryAPI)
}

func TestHandleHealthOK(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "disabled", health.Artifacts)
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, serverOpts{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
