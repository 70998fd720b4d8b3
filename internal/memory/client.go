// Package memory is the HTTP client for the Memory API, the service that owns
// the curated graph. The gateway never touches the graph store directly; this
// contract (expand_candidates, enrich, schema, snapshot etag, text resolve) is
// the entire surface it depends on.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/batvault/batvault/internal/model"
)

// Client talks to the Memory API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Memory API client. The per-call deadline comes from the
// caller's context; the client timeout is only a safety net.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ExpandResult is the one-hop neighborhood of an anchor as returned by
// expand_candidates. Neighbor records are shallow; the expander enriches them.
type ExpandResult struct {
	Anchor     model.Anchor       `json:"anchor"`
	Events     []model.Event      `json:"events"`
	Preceding  []model.Transition `json:"preceding"`
	Succeeding []model.Transition `json:"succeeding"`
}

// TextMatch is one BM25 hit from the text resolver index.
type TextMatch struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Title string  `json:"title,omitempty"`
}

// SnapshotETag fetches the opaque token identifying the current immutable
// graph view.
func (c *Client) SnapshotETag(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/snapshot/etag", nil)
	if err != nil {
		return "", fmt.Errorf("memory: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: snapshot etag: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp, "snapshot etag")
	}
	var body struct {
		SnapshotETag string `json:"snapshot_etag"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: decode snapshot etag: %w", err))
	}
	if body.SnapshotETag == "" {
		return "", model.E(model.KindUpstream, "", "memory: empty snapshot etag")
	}
	return body.SnapshotETag, nil
}

// ExpandCandidates fetches the k=1 neighborhood of an anchor. Unbounded: no
// in-code neighbor caps.
func (c *Client) ExpandCandidates(ctx context.Context, anchorID string) (ExpandResult, error) {
	reqBody, err := json.Marshal(map[string]any{"id": anchorID, "k": 1})
	if err != nil {
		return ExpandResult{}, fmt.Errorf("memory: marshal expand request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/graph/expand_candidates", bytes.NewReader(reqBody))
	if err != nil {
		return ExpandResult{}, fmt.Errorf("memory: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ExpandResult{}, model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: expand: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ExpandResult{}, model.E(model.KindNotFound, "", "anchor not found: %s", anchorID)
	default:
		return ExpandResult{}, c.statusError(resp, "expand")
	}

	var result ExpandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ExpandResult{}, model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: decode expand: %w", err))
	}
	return result, nil
}

// EnrichKind selects the canonical-record endpoint for an id.
type EnrichKind string

const (
	EnrichDecision   EnrichKind = "decision"
	EnrichEvent      EnrichKind = "event"
	EnrichTransition EnrichKind = "transition"
)

// Enrich fetches the canonical record for an id. ifNoneMatch, when non-empty,
// is sent as If-None-Match; a 304 returns (nil, etag, nil) and the caller
// keeps its cached record.
func (c *Client) Enrich(ctx context.Context, kind EnrichKind, id, ifNoneMatch string) (json.RawMessage, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/enrich/%s/%s", c.baseURL, kind, id), nil)
	if err != nil {
		return nil, "", fmt.Errorf("memory: create request: %w", err)
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: enrich %s/%s: %w", kind, id, err))
	}
	defer func() { _ = resp.Body.Close() }()

	etag := resp.Header.Get("ETag")
	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: read enrich body: %w", err))
		}
		return raw, etag, nil
	case http.StatusNotModified:
		return nil, etag, nil
	case http.StatusNotFound:
		return nil, "", model.E(model.KindNotFound, "", "record not found: %s/%s", kind, id)
	default:
		return nil, "", c.statusError(resp, "enrich")
	}
}

// SchemaRels fetches the allowed relation types.
func (c *Client) SchemaRels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/schema/rels", nil)
	if err != nil {
		return nil, fmt.Errorf("memory: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: schema rels: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "schema rels")
	}
	var body struct {
		Relations []string `json:"relations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: decode schema rels: %w", err))
	}
	return body.Relations, nil
}

// ResolveText runs the BM25 lexical search over the rationale, description,
// reason, and summary fields. Results come back score-descending.
func (c *Client) ResolveText(ctx context.Context, query string, limit int) ([]TextMatch, error) {
	reqBody, err := json.Marshal(map[string]any{"q": query, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("memory: marshal resolve request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/resolve/text", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("memory: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: resolve text: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "resolve text")
	}
	var body struct {
		Matches []TextMatch `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, model.Wrap(model.KindUpstream, "", fmt.Errorf("memory: decode resolve: %w", err))
	}
	return body.Matches, nil
}

// Healthy returns nil when the Memory API answers the snapshot endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.SnapshotETag(ctx)
	return err
}

func (c *Client) statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return model.Wrap(model.KindUpstream, "",
		fmt.Errorf("memory: %s: status %d: %s", op, resp.StatusCode, string(body)))
}
