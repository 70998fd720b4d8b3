// Package answer validates a structured answer against its evidence bundle.
// The validator is pure: it never mutates the response and never calls out.
// Its report decides whether the pipeline ships the model's answer or falls
// back to the templater.
package answer

import (
	"fmt"
	"sort"

	"github.com/batvault/batvault/internal/model"
)

// Validate checks the answer, the bundle, and the flags against each other.
// A nil slice means the response is shippable.
//
// The checks, in order:
//  1. intrinsic answer shape (presence, lengths)
//  2. allowed_ids is the exact union of anchor, event, and transition ids
//  3. every supporting_id is inside allowed_ids
//  4. the anchor id is among supporting_ids
//  5. completeness flags match the bundle's cardinalities
//  6. transitions carry the orientation they are filed under
//  7. orientation agrees with the causal direction of the relation
//  8. cited transitions match the causal direction the intent asks about
func Validate(intent model.Intent, a model.WhyDecisionAnswer, b model.EvidenceBundle, flags model.CompletenessFlags) []string {
	var errs []string

	if err := a.CheckShape(); err != nil {
		errs = append(errs, err.Error())
	}

	errs = append(errs, checkAllowedIDs(b)...)
	errs = append(errs, checkSupportingIDs(a, b)...)
	errs = append(errs, checkFlags(b, flags)...)
	errs = append(errs, checkOrientation(b)...)
	errs = append(errs, checkCitedTransitions(intent, a, b)...)

	return errs
}

// Report wraps Validate in the meta block's report shape.
func Report(intent model.Intent, a model.WhyDecisionAnswer, b model.EvidenceBundle, flags model.CompletenessFlags) model.ValidatorReport {
	errs := Validate(intent, a, b, flags)
	return model.ValidatorReport{OK: len(errs) == 0, Errors: errs}
}

func checkAllowedIDs(b model.EvidenceBundle) []string {
	want := map[string]struct{}{b.Anchor.ID: {}}
	for _, ev := range b.Events {
		want[ev.ID] = struct{}{}
	}
	for _, tr := range b.Transitions.All() {
		want[tr.ID] = struct{}{}
	}

	var errs []string
	got := make(map[string]struct{}, len(b.AllowedIDs))
	for _, id := range b.AllowedIDs {
		got[id] = struct{}{}
		if _, ok := want[id]; !ok {
			errs = append(errs, fmt.Sprintf("allowed_ids contains %q which is not in the bundle", id))
		}
	}
	for id := range want {
		if _, ok := got[id]; !ok {
			errs = append(errs, fmt.Sprintf("allowed_ids is missing bundle id %q", id))
		}
	}
	if !sort.StringsAreSorted(b.AllowedIDs) {
		errs = append(errs, "allowed_ids is not sorted ascending")
	}
	if len(b.AllowedIDs) != len(got) {
		errs = append(errs, "allowed_ids contains duplicates")
	}
	sort.Strings(errs)
	return errs
}

func checkSupportingIDs(a model.WhyDecisionAnswer, b model.EvidenceBundle) []string {
	allowed := make(map[string]struct{}, len(b.AllowedIDs))
	for _, id := range b.AllowedIDs {
		allowed[id] = struct{}{}
	}

	var errs []string
	anchorCited := false
	for _, id := range a.SupportingIDs {
		if _, ok := allowed[id]; !ok {
			errs = append(errs, fmt.Sprintf("supporting_ids cites %q outside allowed_ids", id))
		}
		if id == b.Anchor.ID {
			anchorCited = true
		}
	}
	if !anchorCited {
		errs = append(errs, fmt.Sprintf("supporting_ids does not cite the anchor %q", b.Anchor.ID))
	}
	return errs
}

func checkFlags(b model.EvidenceBundle, flags model.CompletenessFlags) []string {
	var errs []string
	if want := len(b.Transitions.Preceding) > 0; flags.HasPreceding != want {
		errs = append(errs, fmt.Sprintf("has_preceding is %t, bundle says %t", flags.HasPreceding, want))
	}
	if want := len(b.Transitions.Succeeding) > 0; flags.HasSucceeding != want {
		errs = append(errs, fmt.Sprintf("has_succeeding is %t, bundle says %t", flags.HasSucceeding, want))
	}
	if flags.EventCount != len(b.Events) {
		errs = append(errs, fmt.Sprintf("event_count is %d, bundle has %d events", flags.EventCount, len(b.Events)))
	}
	return errs
}

// checkOrientation verifies each transition is filed on the side its causal
// direction implies: a preceding transition ends at the anchor, a succeeding
// one starts from it. ALIAS_OF edges are symmetric and exempt.
func checkOrientation(b model.EvidenceBundle) []string {
	var errs []string
	for _, tr := range b.Transitions.Preceding {
		if tr.Orientation != model.OrientationPreceding {
			errs = append(errs, fmt.Sprintf("transition %q filed as preceding but marked %q", tr.ID, tr.Orientation))
		}
		if tr.Relation == model.RelationAliasOf {
			continue
		}
		if tr.To != b.Anchor.ID {
			errs = append(errs, fmt.Sprintf("preceding transition %q does not end at the anchor", tr.ID))
		}
	}
	for _, tr := range b.Transitions.Succeeding {
		if tr.Orientation != model.OrientationSucceeding {
			errs = append(errs, fmt.Sprintf("transition %q filed as succeeding but marked %q", tr.ID, tr.Orientation))
		}
		if tr.Relation == model.RelationAliasOf {
			continue
		}
		if tr.From != b.Anchor.ID {
			errs = append(errs, fmt.Sprintf("succeeding transition %q does not start from the anchor", tr.ID))
		}
	}
	return errs
}

// checkCitedTransitions gates transition citations on the question's causal
// direction: once the answer cites any transition, a why-shaped intent must
// cite exactly the preceding set and a chains intent exactly the succeeding
// set. ALIAS_OF transitions are symmetric and exempt in both directions.
func checkCitedTransitions(intent model.Intent, a model.WhyDecisionAnswer, b model.EvidenceBundle) []string {
	byID := make(map[string]model.Transition)
	for _, tr := range b.Transitions.All() {
		byID[tr.ID] = tr
	}

	cited := make(map[string]struct{})
	for _, id := range a.SupportingIDs {
		tr, ok := byID[id]
		if !ok || tr.Relation == model.RelationAliasOf {
			continue
		}
		cited[id] = struct{}{}
	}
	if len(cited) == 0 {
		return nil
	}

	side, want := "preceding", b.Transitions.Preceding
	if intent == model.IntentChains {
		side, want = "succeeding", b.Transitions.Succeeding
	}

	var errs []string
	required := make(map[string]struct{})
	for _, tr := range want {
		if tr.Relation == model.RelationAliasOf {
			continue
		}
		required[tr.ID] = struct{}{}
		if _, ok := cited[tr.ID]; !ok {
			errs = append(errs, fmt.Sprintf("intent %q requires citing %s transition %q", intent, side, tr.ID))
		}
	}
	for id := range cited {
		if _, ok := required[id]; !ok {
			errs = append(errs, fmt.Sprintf("supporting_ids cites transition %q outside the %s set", id, side))
		}
	}
	sort.Strings(errs)
	return errs
}
