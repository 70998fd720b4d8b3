package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/batvault/internal/cache"
	"github.com/batvault/batvault/internal/memory"
	"github.com/batvault/batvault/internal/model"
)

type fakeGraph struct {
	expand      memory.ExpandResult
	expandErr   error
	expandCalls int
	records     map[string]any // id -> canonical record
	enrichErr   map[string]error
}

func (f *fakeGraph) ExpandCandidates(_ context.Context, _ string) (memory.ExpandResult, error) {
	f.expandCalls++
	return f.expand, f.expandErr
}

func (f *fakeGraph) Enrich(_ context.Context, _ memory.EnrichKind, id, _ string) (json.RawMessage, string, error) {
	if err, ok := f.enrichErr[id]; ok {
		return nil, "", err
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, "", model.E(model.KindNotFound, "", "record not found: %s", id)
	}
	raw, err := json.Marshal(rec)
	return raw, `"v1"`, err
}

func testExpander(t *testing.T, g *fakeGraph) *Expander {
	t.Helper()
	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return NewExpander(g, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func expandFixture() *fakeGraph {
	ts := time.Date(2012, 10, 31, 0, 0, 0, 0, time.UTC)
	anchor := model.Anchor{ID: "panasonic#a", Type: model.NodeDecision, Timestamp: ts, Title: "Exit plasma"}
	return &fakeGraph{
		expand: memory.ExpandResult{
			Anchor: model.Anchor{ID: "panasonic#a", Type: model.NodeDecision},
			Events: []model.Event{
				{ID: "panasonic#e1", Type: model.NodeEvent},
				{ID: "panasonic#e1", Type: model.NodeEvent}, // duplicate from upstream
				{ID: "panasonic#e2", Type: model.NodeEvent},
			},
			Preceding:  []model.Transition{{ID: "panasonic#t1", Type: model.NodeTransition}},
			Succeeding: []model.Transition{{ID: "panasonic#t2", Type: model.NodeTransition}},
		},
		records: map[string]any{
			"panasonic#a": anchor,
			"panasonic#e1": model.Event{
				ID: "panasonic#e1", Type: model.NodeEvent, Timestamp: ts,
				Summary: "TV sales dropped", Tags: []string{"Sales", "TV "},
			},
			"panasonic#e2": model.Event{
				ID: "panasonic#e2", Type: model.NodeEvent, Timestamp: ts, Summary: "Price war",
			},
			"panasonic#t1": model.Transition{
				ID: "panasonic#t1", Type: model.NodeTransition, Timestamp: ts,
				From: "panasonic#prev", To: "panasonic#a", Relation: model.RelationCausal,
			},
			"panasonic#t2": model.Transition{
				ID: "panasonic#t2", Type: model.NodeTransition, Timestamp: ts,
				From: "panasonic#a", To: "panasonic#next", Relation: model.RelationLedTo,
			},
		},
		enrichErr: map[string]error{},
	}
}

func TestExpandEnrichesAndDedupes(t *testing.T) {
	g := expandFixture()
	e := testExpander(t, g)

	b, err := e.Expand(context.Background(), "panasonic#a", "E1")
	require.NoError(t, err)

	assert.Equal(t, "Exit plasma", b.Anchor.Title, "anchor swapped for canonical record")
	require.Len(t, b.Events, 2, "duplicate event dropped")
	assert.Equal(t, "TV sales dropped", b.Events[0].Summary)
	assert.Equal(t, []string{"sales", "tv"}, b.Events[0].Tags, "tags normalized")

	require.Len(t, b.Transitions.Preceding, 1)
	require.Len(t, b.Transitions.Succeeding, 1)
	assert.Equal(t, model.OrientationPreceding, b.Transitions.Preceding[0].Orientation)
	assert.Equal(t, model.OrientationSucceeding, b.Transitions.Succeeding[0].Orientation)

	assert.Equal(t,
		[]string{"panasonic#a", "panasonic#e1", "panasonic#e2", "panasonic#t1", "panasonic#t2"},
		b.AllowedIDs, "allowed_ids is the exact sorted union")
}

func TestExpandNeighborEnrichFailureKeepsShallowRecord(t *testing.T) {
	g := expandFixture()
	g.enrichErr["panasonic#e2"] = fmt.Errorf("boom")
	e := testExpander(t, g)

	b, err := e.Expand(context.Background(), "panasonic#a", "E1")
	require.NoError(t, err)

	require.Len(t, b.Events, 2)
	var e2 model.Event
	for _, ev := range b.Events {
		if ev.ID == "panasonic#e2" {
			e2 = ev
		}
	}
	assert.Empty(t, e2.Summary, "shallow record survives when enrich fails")
	assert.Contains(t, b.AllowedIDs, "panasonic#e2")
}

func TestExpandAnchorEnrichFailureFails(t *testing.T) {
	g := expandFixture()
	g.enrichErr["panasonic#a"] = model.E(model.KindUpstream, "enrich", "boom")
	e := testExpander(t, g)

	_, err := e.Expand(context.Background(), "panasonic#a", "E1")
	assert.Error(t, err)
}

func TestExpandCachesPerSnapshot(t *testing.T) {
	g := expandFixture()
	e := testExpander(t, g)
	ctx := context.Background()

	_, err := e.Expand(ctx, "panasonic#a", "E1")
	require.NoError(t, err)
	_, err = e.Expand(ctx, "panasonic#a", "E1")
	require.NoError(t, err)
	assert.Equal(t, 1, g.expandCalls)

	_, err = e.Expand(ctx, "panasonic#a", "E2")
	require.NoError(t, err)
	assert.Equal(t, 2, g.expandCalls)
}
