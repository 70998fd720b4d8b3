package pipeline

import (
	"github.com/batvault/batvault/internal/canonjson"
	"github.com/batvault/batvault/internal/evidence"
	"github.com/batvault/batvault/internal/model"
)

// AllowedIDsPolicyID names how allowed_ids is derived. There is exactly one
// scheme today; the id exists so a future change is visible in every replay.
const AllowedIDsPolicyID = "anchor-union-neighbors-v1"

// schemaDescriptor pins the wire schemas the gateway can emit. Its
// fingerprint changes whenever a field is added, renamed, or removed.
var schemaDescriptor = map[string][]string{
	"WhyDecisionAnswer@1": {
		"short_answer", "supporting_ids", "rationale_note",
	},
	"WhyDecisionResponse@1": {
		"schema_version", "response.intent", "response.evidence",
		"response.answer", "response.completeness_flags", "response.meta",
	},
}

// SchemaFP is the fingerprint of the supported wire schemas.
func SchemaFP() (string, error) {
	return canonjson.FingerprintValue(schemaDescriptor)
}

// EffectivePolicy assembles the policy block that governs a request.
func EffectivePolicy(llmMode, llmModelID, gatewayVersion string) model.PolicyMeta {
	return model.PolicyMeta{
		LLM:              model.LLMPolicy{Mode: llmMode, ModelID: llmModelID},
		SelectorPolicyID: evidence.SelectorPolicyID,
		AllowedIDsPolicy: AllowedIDsPolicyID,
		GatewayVersion:   gatewayVersion,
	}
}

// PolicyFP fingerprints the effective policy. Clients pin this via the
// X-Policy-Key header; a mismatch is rejected before any work happens.
func PolicyFP(p model.PolicyMeta) (string, error) {
	return canonjson.FingerprintValue(p)
}
