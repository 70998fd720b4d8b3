// Package resolver maps free-text questions onto decision anchors. The
// cascade is deterministic: an input that is already a valid anchor ref
// short-circuits, otherwise lexical BM25 runs first and the vector pass only
// fires when the lexical pass comes back empty.
package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/batvault/batvault/internal/cache"
	"github.com/batvault/batvault/internal/embedding"
	"github.com/batvault/batvault/internal/memory"
	"github.com/batvault/batvault/internal/model"
	"github.com/batvault/batvault/internal/search"
)

// textResolver is the slice of the Memory API the resolver needs.
type textResolver interface {
	ResolveText(ctx context.Context, query string, limit int) ([]memory.TextMatch, error)
}

// Match is a resolved anchor candidate.
type Match struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Method string  `json:"method"` // "slug", "bm25", or "vector"
}

// Resolver runs the anchor resolution cascade.
type Resolver struct {
	memory   textResolver
	searcher search.Searcher    // nil when vector search is disabled
	embedder embedding.Provider // nil when embeddings are disabled
	store    cache.Store
	logger   *slog.Logger
	limit    int
}

// New creates a resolver. searcher and embedder may be nil; the vector pass
// is skipped when either is missing.
func New(mem textResolver, searcher search.Searcher, embedder embedding.Provider, store cache.Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		memory:   mem,
		searcher: searcher,
		embedder: embedder,
		store:    store,
		logger:   logger,
		limit:    10,
	}
}

// Resolve maps the input text to an anchor id. snapshotETag scopes the cache:
// results resolved under one snapshot are never served under another.
//
// Returns KindNotFound when no pass produces a candidate.
func (r *Resolver) Resolve(ctx context.Context, input, snapshotETag string) (Match, error) {
	// An input that is already a well-formed anchor ref is taken at face
	// value. Existence is checked downstream by expand, which reports a
	// proper not-found for dangling refs.
	if model.IsAnchorRef(input) {
		return Match{ID: input, Score: 1.0, Method: "slug"}, nil
	}

	key := cache.Key("resolve", snapshotETag, input)
	if cached, ok, err := r.store.Get(ctx, key); err == nil && ok {
		var m Match
		if err := json.Unmarshal(cached, &m); err == nil {
			return m, nil
		}
	} else if err != nil {
		r.logger.Warn("resolver: cache get failed", "error", err)
	}

	m, err := r.resolveUncached(ctx, input)
	if err != nil {
		return Match{}, err
	}

	if buf, err := json.Marshal(m); err == nil {
		if err := r.store.Set(ctx, key, buf, cache.TTLResolve); err != nil {
			r.logger.Warn("resolver: cache set failed", "error", err)
		}
	}
	return m, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, input string) (Match, error) {
	matches, err := r.memory.ResolveText(ctx, input, r.limit)
	if err != nil {
		return Match{}, err
	}
	if len(matches) > 0 {
		best := pickBestText(matches)
		return Match{ID: best.ID, Score: best.Score, Method: "bm25"}, nil
	}

	if r.searcher == nil || r.embedder == nil {
		return Match{}, model.E(model.KindNotFound, "resolve", "no anchor matched %q", input)
	}
	if err := r.searcher.Healthy(ctx); err != nil {
		r.logger.Warn("resolver: vector index unavailable, skipping semantic pass", "error", err)
		return Match{}, model.E(model.KindNotFound, "resolve", "no anchor matched %q", input)
	}

	vec, err := r.embedder.Embed(ctx, input)
	if err != nil {
		return Match{}, model.Wrap(model.KindUpstream, "resolve", err)
	}
	if embedding.IsZero(vec) {
		return Match{}, model.E(model.KindNotFound, "resolve", "no anchor matched %q", input)
	}

	hits, err := r.searcher.Search(ctx, vec, r.limit)
	if err != nil {
		return Match{}, model.Wrap(model.KindUpstream, "resolve", err)
	}
	if len(hits) == 0 {
		return Match{}, model.E(model.KindNotFound, "resolve", "no anchor matched %q", input)
	}

	best := pickBestVector(hits)
	return Match{ID: best.ID, Score: float64(best.Score), Method: "vector"}, nil
}

// pickBestText returns the highest-scoring match; ties break on the
// lexicographically lowest id so resolution is stable across runs.
func pickBestText(matches []memory.TextMatch) memory.TextMatch {
	sorted := make([]memory.TextMatch, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

func pickBestVector(hits []search.Result) search.Result {
	sorted := make([]search.Result, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}
