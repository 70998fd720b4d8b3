// Package templater renders the deterministic fallback answer. It is the
// guaranteed exit of the answer stage: whatever the model did, the templater
// produces a schema-valid answer from the evidence bundle alone.
package templater

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/batvault/batvault/internal/model"
)

// supportingEvents caps how many event ids the fallback cites beyond the
// anchor itself.
const supportingEvents = 2

// Render builds a deterministic answer for the bundle. The output always
// satisfies the answer contract: the anchor id is cited, every cited id is in
// allowed_ids, and the short answer fits the length limit.
func Render(b model.EvidenceBundle) model.WhyDecisionAnswer {
	return model.WhyDecisionAnswer{
		ShortAnswer:   shortAnswer(b),
		SupportingIDs: supportingIDs(b),
	}
}

func shortAnswer(b model.EvidenceBundle) string {
	var sb strings.Builder

	title := b.Anchor.Title
	if title == "" {
		title = b.Anchor.ID
	}
	if b.Anchor.Option != "" && !strings.EqualFold(title, b.Anchor.Option) {
		fmt.Fprintf(&sb, "%s: %s.", title, b.Anchor.Option)
	} else {
		fmt.Fprintf(&sb, "%s.", title)
	}

	if ev, ok := leadEvent(b); ok && ev.Summary != "" {
		fmt.Fprintf(&sb, " Preceding evidence: %s.", strings.TrimRight(ev.Summary, "."))
	}
	if len(b.Transitions.Succeeding) > 0 {
		tr := b.Transitions.Succeeding[0]
		if tr.Summary != "" {
			fmt.Fprintf(&sb, " This led to: %s.", strings.TrimRight(tr.Summary, "."))
		}
	}

	return truncate(sb.String(), model.MaxShortAnswerLen)
}

// leadEvent picks the event closest to the anchor timestamp, ties broken by
// lowest id.
func leadEvent(b model.EvidenceBundle) (model.Event, bool) {
	if len(b.Events) == 0 {
		return model.Event{}, false
	}
	events := sortedEvents(b)
	return events[0], true
}

func sortedEvents(b model.EvidenceBundle) []model.Event {
	events := make([]model.Event, len(b.Events))
	copy(events, b.Events)
	anchorTS := b.Anchor.Timestamp
	sort.SliceStable(events, func(i, j int) bool {
		di := anchorTS.Sub(events[i].Timestamp).Abs()
		dj := anchorTS.Sub(events[j].Timestamp).Abs()
		if di != dj {
			return di < dj
		}
		return events[i].ID < events[j].ID
	})
	return events
}

// supportingIDs is the anchor plus up to two closest event ids, filtered to
// allowed_ids and sorted ascending. With no events it is just the anchor.
func supportingIDs(b model.EvidenceBundle) []string {
	allowed := make(map[string]struct{}, len(b.AllowedIDs))
	for _, id := range b.AllowedIDs {
		allowed[id] = struct{}{}
	}

	ids := []string{b.Anchor.ID}
	for _, ev := range sortedEvents(b) {
		if len(ids) > supportingEvents {
			break
		}
		if _, ok := allowed[ev.ID]; ok {
			ids = append(ids, ev.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// truncate cuts s to at most maxLen runes, ending with an ellipsis when
// anything was removed.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen-1]) + "…"
}
