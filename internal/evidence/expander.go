// Package evidence builds the k=1 evidence bundle for an anchor: unbounded
// collection first, then deterministic selection against the prompt byte
// budget. The two phases are kept separate so the collected pool can be
// audited independently of what made it into the prompt.
package evidence

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/batvault/batvault/internal/cache"
	"github.com/batvault/batvault/internal/memory"
	"github.com/batvault/batvault/internal/model"
)

// enrichLimit bounds concurrent enrich calls per request.
const enrichLimit = 8

// graphClient is the slice of the Memory API the expander needs.
type graphClient interface {
	ExpandCandidates(ctx context.Context, anchorID string) (memory.ExpandResult, error)
	Enrich(ctx context.Context, kind memory.EnrichKind, id, ifNoneMatch string) (json.RawMessage, string, error)
}

// Expander collects the one-hop neighborhood of an anchor and enriches every
// member with its canonical record. Collection is unbounded: no neighbor caps
// here, the selector applies the budget later.
type Expander struct {
	memory graphClient
	store  cache.Store
	logger *slog.Logger
}

// NewExpander creates an expander.
func NewExpander(mem graphClient, store cache.Store, logger *slog.Logger) *Expander {
	return &Expander{memory: mem, store: store, logger: logger}
}

// Expand returns the enriched bundle for anchorID under the given snapshot.
// The bundle's AllowedIDs is the exact sorted union of the anchor, event, and
// transition ids.
func (e *Expander) Expand(ctx context.Context, anchorID, snapshotETag string) (model.EvidenceBundle, error) {
	key := cache.Key("expand", snapshotETag, anchorID)
	if cached, ok, err := e.store.Get(ctx, key); err == nil && ok {
		var b model.EvidenceBundle
		if err := json.Unmarshal(cached, &b); err == nil {
			return b, nil
		}
	} else if err != nil {
		e.logger.Warn("evidence: cache get failed", "error", err)
	}

	b, err := e.expandUncached(ctx, anchorID)
	if err != nil {
		return model.EvidenceBundle{}, err
	}

	if buf, err := json.Marshal(b); err == nil {
		if err := e.store.Set(ctx, key, buf, cache.TTLExpand); err != nil {
			e.logger.Warn("evidence: cache set failed", "error", err)
		}
	}
	return b, nil
}

func (e *Expander) expandUncached(ctx context.Context, anchorID string) (model.EvidenceBundle, error) {
	res, err := e.memory.ExpandCandidates(ctx, anchorID)
	if err != nil {
		return model.EvidenceBundle{}, err
	}

	b := model.EvidenceBundle{
		Anchor: res.Anchor,
		Events: dedupeEvents(res.Events, anchorID),
		Transitions: model.TransitionSet{
			Preceding:  dedupeTransitions(res.Preceding, anchorID),
			Succeeding: dedupeTransitions(res.Succeeding, anchorID),
		},
	}

	if err := e.enrichAll(ctx, &b); err != nil {
		return model.EvidenceBundle{}, err
	}

	for i := range b.Events {
		b.Events[i].Tags = model.NormalizeTags(b.Events[i].Tags)
	}
	setOrientation(b.Transitions.Preceding, model.OrientationPreceding)
	setOrientation(b.Transitions.Succeeding, model.OrientationSucceeding)

	b.RecomputeAllowedIDs()
	return b, nil
}

// enrichAll swaps each shallow record for its canonical one. The anchor must
// enrich; a neighbor that fails keeps its shallow record so one bad node does
// not sink the request.
func (e *Expander) enrichAll(ctx context.Context, b *model.EvidenceBundle) error {
	raw, _, err := e.memory.Enrich(ctx, memory.EnrichDecision, b.Anchor.ID, "")
	if err != nil {
		return err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &b.Anchor); err != nil {
			return model.Wrap(model.KindUpstream, "enrich", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichLimit)

	for i := range b.Events {
		g.Go(func() error {
			raw, _, err := e.memory.Enrich(gctx, memory.EnrichEvent, b.Events[i].ID, "")
			if err != nil {
				e.logger.Warn("evidence: event enrich failed, keeping shallow record",
					"id", b.Events[i].ID, "error", err)
				return nil
			}
			if raw != nil {
				if err := json.Unmarshal(raw, &b.Events[i]); err != nil {
					e.logger.Warn("evidence: bad event record", "id", b.Events[i].ID, "error", err)
				}
			}
			return nil
		})
	}

	enrichTransition := func(t *model.Transition) func() error {
		return func() error {
			raw, _, err := e.memory.Enrich(gctx, memory.EnrichTransition, t.ID, "")
			if err != nil {
				e.logger.Warn("evidence: transition enrich failed, keeping shallow record",
					"id", t.ID, "error", err)
				return nil
			}
			if raw != nil {
				if err := json.Unmarshal(raw, t); err != nil {
					e.logger.Warn("evidence: bad transition record", "id", t.ID, "error", err)
				}
			}
			return nil
		}
	}
	for i := range b.Transitions.Preceding {
		g.Go(enrichTransition(&b.Transitions.Preceding[i]))
	}
	for i := range b.Transitions.Succeeding {
		g.Go(enrichTransition(&b.Transitions.Succeeding[i]))
	}

	return g.Wait()
}

func dedupeEvents(events []model.Event, anchorID string) []model.Event {
	seen := map[string]struct{}{anchorID: {}}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	return out
}

func dedupeTransitions(transitions []model.Transition, anchorID string) []model.Transition {
	seen := map[string]struct{}{anchorID: {}}
	out := make([]model.Transition, 0, len(transitions))
	for _, tr := range transitions {
		if _, dup := seen[tr.ID]; dup {
			continue
		}
		seen[tr.ID] = struct{}{}
		out = append(out, tr)
	}
	return out
}

func setOrientation(transitions []model.Transition, o model.Orientation) {
	for i := range transitions {
		transitions[i].Orientation = o
	}
}
