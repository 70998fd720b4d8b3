package evidence

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/batvault/batvault/internal/canonjson"
	"github.com/batvault/batvault/internal/model"
)

// SelectorPolicyID names the deterministic scoring scheme below. Bump it
// whenever the weights or the drop order change, so replayed requests can
// tell which scheme produced them.
const SelectorPolicyID = "det-recency-sim-v1"

// Scoring weights. Recency dominates: in a decision trace, what happened
// around the anchor matters more than lexical overlap with it.
const (
	weightRecency    = 0.6
	weightSimilarity = 0.4
)

// reasonSizeBudget marks items pruned to fit the prompt byte budget.
const reasonSizeBudget = "size_budget"

// Policy holds the selector's budget knobs.
type Policy struct {
	MaxPromptBytes     int
	SoftThresholdBytes int
	MinEvidenceItems   int
	SelectorModelID    string
}

// Selection is the selector's full output: the (possibly pruned) bundle plus
// the audit trail of what was kept and dropped.
type Selection struct {
	Bundle            model.EvidenceBundle
	PoolIDs           []string
	PromptIncludedIDs []string
	PromptExcludedIDs []model.ExcludedID
	Metrics           model.SelectionMetrics
	Truncation        model.TruncationMetrics
}

// candidate is one droppable evidence item with its computed score.
type candidate struct {
	id        string
	score     float64
	timestamp int64
}

// Select applies the deterministic selection policy: keep everything if the
// serialized bundle fits MaxPromptBytes, otherwise prune worst-scored items
// one at a time until it fits or MinEvidenceItems is reached. The anchor is
// never dropped. AllowedIDs is recomputed after pruning, so it always matches
// what actually ships.
func Select(bundle model.EvidenceBundle, p Policy) (Selection, error) {
	bundle.RecomputeAllowedIDs()

	sel := Selection{
		PoolIDs:           poolIDs(bundle),
		PromptExcludedIDs: []model.ExcludedID{},
	}
	sel.Metrics.TotalNeighborsFound = len(sel.PoolIDs)
	sel.Metrics.SelectorModelID = p.SelectorModelID

	size, err := bundleSize(bundle)
	if err != nil {
		return Selection{}, err
	}

	scores := scoreBundle(bundle)

	for size > p.MaxPromptBytes && itemCount(bundle) > p.MinEvidenceItems {
		victim, ok := worst(scores, bundle)
		if !ok {
			break
		}
		bundle = removeItem(bundle, victim.id)
		sel.PromptExcludedIDs = append(sel.PromptExcludedIDs, model.ExcludedID{
			ID:     victim.id,
			Reason: reasonSizeBudget,
		})
		sel.Truncation.Passes = append(sel.Truncation.Passes, model.TruncationPass{
			Bytes:  size,
			Limit:  p.MaxPromptBytes,
			Action: "drop:" + victim.id,
		})

		size, err = bundleSize(bundle)
		if err != nil {
			return Selection{}, err
		}
	}
	sel.Truncation.SelectorTruncation = len(sel.PromptExcludedIDs) > 0
	sel.Truncation.Passes = append(sel.Truncation.Passes, model.TruncationPass{
		Bytes:  size,
		Limit:  p.MaxPromptBytes,
		Action: "fit",
	})

	bundle.RecomputeAllowedIDs()
	sel.Bundle = bundle
	sel.PromptIncludedIDs = append([]string(nil), bundle.AllowedIDs...)
	sel.Metrics.FinalEvidenceCount = itemCount(bundle)
	sel.Metrics.BundleSizeBytes = size
	return sel, nil
}

// bundleSize measures the canonical serialization, the same bytes the prompt
// envelope will carry.
func bundleSize(b model.EvidenceBundle) (int, error) {
	buf, err := canonjson.Marshal(b)
	if err != nil {
		return 0, model.Wrap(model.KindInternal, "bundle", err)
	}
	return len(buf), nil
}

// itemCount is the number of droppable items (events and transitions; the
// anchor does not count).
func itemCount(b model.EvidenceBundle) int {
	return len(b.Events) + len(b.Transitions.Preceding) + len(b.Transitions.Succeeding)
}

func poolIDs(b model.EvidenceBundle) []string {
	ids := make([]string, 0, itemCount(b)+1)
	ids = append(ids, b.Anchor.ID)
	for _, ev := range b.Events {
		ids = append(ids, ev.ID)
	}
	for _, tr := range b.Transitions.All() {
		ids = append(ids, tr.ID)
	}
	sort.Strings(ids)
	return ids
}

// scoreBundle computes the keep-score for every droppable item.
func scoreBundle(b model.EvidenceBundle) map[string]candidate {
	anchorTokens := tokens(b.Anchor.Title + " " + b.Anchor.Option)
	scores := make(map[string]candidate, itemCount(b))

	for _, ev := range b.Events {
		itemTokens := tokens(ev.Summary + " " + strings.Join(ev.Tags, " "))
		scores[ev.ID] = candidate{
			id:        ev.ID,
			score:     weightRecency*recency(b.Anchor, ev.Timestamp) + weightSimilarity*jaccard(anchorTokens, itemTokens),
			timestamp: ev.Timestamp.Unix(),
		}
	}
	for _, tr := range b.Transitions.All() {
		itemTokens := tokens(tr.Summary + " " + tr.Reason + " " + strings.Join(tr.Tags, " "))
		scores[tr.ID] = candidate{
			id:        tr.ID,
			score:     weightRecency*recency(b.Anchor, tr.Timestamp) + weightSimilarity*jaccard(anchorTokens, itemTokens),
			timestamp: tr.Timestamp.Unix(),
		}
	}
	return scores
}

// worst returns the next item to drop: lowest score, then later timestamp,
// then higher id. Only items still present in the bundle are considered.
func worst(scores map[string]candidate, b model.EvidenceBundle) (candidate, bool) {
	var victim candidate
	found := false
	consider := func(id string) {
		c, ok := scores[id]
		if !ok {
			return
		}
		if !found {
			victim, found = c, true
			return
		}
		if c.score != victim.score {
			if c.score < victim.score {
				victim = c
			}
			return
		}
		if c.timestamp != victim.timestamp {
			if c.timestamp > victim.timestamp {
				victim = c
			}
			return
		}
		if c.id > victim.id {
			victim = c
		}
	}

	for _, ev := range b.Events {
		consider(ev.ID)
	}
	for _, tr := range b.Transitions.All() {
		consider(tr.ID)
	}
	return victim, found
}

func removeItem(b model.EvidenceBundle, id string) model.EvidenceBundle {
	events := make([]model.Event, 0, len(b.Events))
	for _, ev := range b.Events {
		if ev.ID != id {
			events = append(events, ev)
		}
	}
	b.Events = events
	b.Transitions.Preceding = removeTransition(b.Transitions.Preceding, id)
	b.Transitions.Succeeding = removeTransition(b.Transitions.Succeeding, id)
	return b
}

func removeTransition(transitions []model.Transition, id string) []model.Transition {
	out := make([]model.Transition, 0, len(transitions))
	for _, tr := range transitions {
		if tr.ID != id {
			out = append(out, tr)
		}
	}
	return out
}

// recency scores an item by its distance in days from the anchor timestamp:
// 1 at zero distance, decaying as 1/(1+days).
func recency(anchor model.Anchor, ts time.Time) float64 {
	days := math.Abs(anchor.Timestamp.Sub(ts).Hours()) / 24
	return 1 / (1 + days)
}

// tokens lowercases and splits text into a word set.
func tokens(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

// jaccard is |a∩b| / |a∪b|, zero when either set is empty.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
