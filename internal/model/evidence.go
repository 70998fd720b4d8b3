package model

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Relation is the typed edge between two decisions.
type Relation string

const (
	RelationCausal  Relation = "CAUSAL"
	RelationLedTo   Relation = "LED_TO"
	RelationAliasOf Relation = "ALIAS_OF"
)

// Orientation places a transition relative to the anchor. It is derived at
// expansion time, never stored in the graph.
type Orientation string

const (
	OrientationPreceding  Orientation = "preceding"
	OrientationSucceeding Orientation = "succeeding"
)

// Event is a one-hop neighbor of the anchor.
type Event struct {
	ID          string         `json:"id"`
	Type        NodeType       `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	BasedOn     []string       `json:"based_on,omitempty"`
	Snippet     string         `json:"snippet,omitempty"`
	XExtra      map[string]any `json:"x-extra,omitempty"`
}

// Transition is a causal edge adjacent to the anchor.
type Transition struct {
	ID          string         `json:"id"`
	Type        NodeType       `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Relation    Relation       `json:"relation"`
	Reason      string         `json:"reason,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Orientation Orientation    `json:"orientation,omitempty"`
	XExtra      map[string]any `json:"x-extra,omitempty"`
}

// TransitionSet groups a bundle's transitions by orientation.
type TransitionSet struct {
	Preceding  []Transition `json:"preceding"`
	Succeeding []Transition `json:"succeeding"`
}

// All returns preceding then succeeding transitions as one slice.
func (t TransitionSet) All() []Transition {
	out := make([]Transition, 0, len(t.Preceding)+len(t.Succeeding))
	out = append(out, t.Preceding...)
	out = append(out, t.Succeeding...)
	return out
}

// EvidenceBundle is the one-hop neighborhood shipped with an answer.
//
// AllowedIDs is always the exact union {anchor.id} ∪ {event ids} ∪
// {transition ids}, unique and sorted ascending. Callers that mutate the
// bundle must call RecomputeAllowedIDs before using it.
type EvidenceBundle struct {
	Anchor      Anchor        `json:"anchor"`
	Events      []Event       `json:"events"`
	Transitions TransitionSet `json:"transitions"`
	AllowedIDs  []string      `json:"allowed_ids"`
}

// RecomputeAllowedIDs rebuilds AllowedIDs from the bundle's current contents.
func (b *EvidenceBundle) RecomputeAllowedIDs() {
	seen := map[string]struct{}{b.Anchor.ID: {}}
	for _, e := range b.Events {
		seen[e.ID] = struct{}{}
	}
	for _, t := range b.Transitions.All() {
		seen[t.ID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	b.AllowedIDs = ids
}

// Flags derives the completeness flags from the bundle's cardinalities.
func (b *EvidenceBundle) Flags() CompletenessFlags {
	return CompletenessFlags{
		HasPreceding:  len(b.Transitions.Preceding) > 0,
		HasSucceeding: len(b.Transitions.Succeeding) > 0,
		EventCount:    len(b.Events),
	}
}

// CompletenessFlags summarize what the neighborhood contained.
type CompletenessFlags struct {
	HasPreceding  bool `json:"has_preceding"`
	HasSucceeding bool `json:"has_succeeding"`
	EventCount    int  `json:"event_count"`
}

var nonKebab = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeTag lowercases a tag and collapses non-alphanumeric runs to single
// hyphens (lower-kebab).
func NormalizeTag(tag string) string {
	t := nonKebab.ReplaceAllString(strings.ToLower(tag), "-")
	return strings.Trim(t, "-")
}

// NormalizeTags normalizes, de-duplicates, and sorts a tag list. Empty tags
// are dropped. Returns nil for an empty result so omitempty applies.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := NormalizeTag(tag)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
