package model

import (
	"fmt"
	"time"
)

// SchemaVersion is the response envelope version.
const SchemaVersion = "v3"

// Intent names a question shape the gateway can answer.
type Intent string

const (
	IntentWhyDecision Intent = "why_decision"
	IntentWhoDecided  Intent = "who_decided"
	IntentWhenDecided Intent = "when_decided"
	IntentChains      Intent = "chains"
)

// ValidIntent reports whether i is a recognized intent.
func ValidIntent(i Intent) bool {
	switch i {
	case IntentWhyDecision, IntentWhoDecided, IntentWhenDecided, IntentChains:
		return true
	}
	return false
}

// MaxQuestionLen bounds free-text questions before they reach the resolver.
const MaxQuestionLen = 2048

// QueryRequest is the body of POST /v3/query. Exactly one of Question or
// Anchor must be set.
type QueryRequest struct {
	Question string `json:"question,omitempty"`
	Anchor   string `json:"anchor,omitempty"`
	Intent   Intent `json:"intent,omitempty"`
}

// Validate checks the request shape. Intent defaults to why_decision.
func (q *QueryRequest) Validate() error {
	if q.Question == "" && q.Anchor == "" {
		return fmt.Errorf("model: one of question or anchor is required")
	}
	if q.Question != "" && q.Anchor != "" {
		return fmt.Errorf("model: question and anchor are mutually exclusive")
	}
	if len(q.Question) > MaxQuestionLen {
		return fmt.Errorf("model: question exceeds %d bytes", MaxQuestionLen)
	}
	if q.Anchor != "" && !IsAnchorRef(q.Anchor) {
		return fmt.Errorf("model: invalid anchor ref %q", q.Anchor)
	}
	if q.Intent == "" {
		q.Intent = IntentWhyDecision
	}
	if !ValidIntent(q.Intent) {
		return fmt.Errorf("model: unknown intent %q", q.Intent)
	}
	return nil
}

// ResponseBody is the inner payload of the final NDJSON line.
type ResponseBody struct {
	Intent            Intent            `json:"intent"`
	Evidence          EvidenceBundle    `json:"evidence"`
	Answer            WhyDecisionAnswer `json:"answer"`
	CompletenessFlags CompletenessFlags `json:"completeness_flags"`
	Meta              MetaInfo          `json:"meta"`
}

// WhyDecisionResponse is the full response envelope. Schema name on the wire:
// WhyDecisionResponse@1.
type WhyDecisionResponse struct {
	SchemaVersion string       `json:"schema_version"`
	Response      ResponseBody `json:"response"`
}

// NDJSON frame kinds emitted on the query stream.
const (
	EvtToken = "token"
	EvtFinal = "final"
	EvtError = "error"
)

// TokenFrame is one streamed model token (or chunk).
type TokenFrame struct {
	Evt   string `json:"evt"`
	Token string `json:"token"`
}

// FinalFrame is the single authoritative last line of the stream.
type FinalFrame struct {
	Evt           string       `json:"evt"`
	SchemaVersion string       `json:"schema_version"`
	Response      ResponseBody `json:"response"`
}

// ErrorFrame terminates the stream on failure.
type ErrorFrame struct {
	Evt     string `json:"evt"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// PolicyFP is included on policy_mismatch so the client can retry once
	// with the server-computed value.
	PolicyFP string `json:"policy_fp,omitempty"`
}

// Gateway request/response headers.
const (
	HeaderRequestID    = "X-Request-Id"
	HeaderSnapshotETag = "X-Snapshot-ETag"
	HeaderPolicyKey    = "X-Policy-Key"
	HeaderPolicyFP     = "X-BV-Policy-Fingerprint"
	HeaderAllowedIDsFP = "X-BV-Allowed-Ids-FP"
	HeaderGraphFP      = "X-BV-Graph-FP"
	HeaderBundleFP     = "X-BV-Bundle-FP"
	HeaderSchemaFP     = "X-BV-Schema-FP"
)

// APIError is the JSON error envelope for non-streaming endpoints.
type APIError struct {
	Error ErrorDetail `json:"error"`
	Meta  ErrorMeta   `json:"meta"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorMeta carries request correlation data on error envelopes.
type ErrorMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
