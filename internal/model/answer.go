package model

import (
	"fmt"
	"unicode/utf8"
)

// Answer field limits. The validator enforces these on every response; the
// templater builds within them by construction.
const (
	MaxShortAnswerLen   = 320
	MaxRationaleNoteLen = 280
)

// WhyDecisionAnswer is the structured answer produced by the LLM or the
// deterministic templater. Schema name on the wire: WhyDecisionAnswer@1.
type WhyDecisionAnswer struct {
	ShortAnswer   string   `json:"short_answer"`
	SupportingIDs []string `json:"supporting_ids"`
	RationaleNote string   `json:"rationale_note,omitempty"`
}

// CheckShape validates the answer's intrinsic constraints (presence and
// length). ID-scope checks need the bundle and live in the validator.
func (a WhyDecisionAnswer) CheckShape() error {
	if a.ShortAnswer == "" {
		return fmt.Errorf("model: short_answer is required")
	}
	if utf8.RuneCountInString(a.ShortAnswer) > MaxShortAnswerLen {
		return fmt.Errorf("model: short_answer exceeds %d chars", MaxShortAnswerLen)
	}
	if len(a.SupportingIDs) == 0 {
		return fmt.Errorf("model: supporting_ids must be non-empty")
	}
	if utf8.RuneCountInString(a.RationaleNote) > MaxRationaleNoteLen {
		return fmt.Errorf("model: rationale_note exceeds %d chars", MaxRationaleNoteLen)
	}
	return nil
}
