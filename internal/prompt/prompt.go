// Package prompt builds the canonical prompt envelope and its fingerprints.
// The envelope is serialized with canonical JSON, so the same inputs always
// produce byte-identical prompts and therefore identical fingerprints.
package prompt

import (
	"github.com/batvault/batvault/internal/canonjson"
	"github.com/batvault/batvault/internal/model"
)

// EnvelopeVersion tags the envelope layout. Bump on any field change.
const EnvelopeVersion = "1"

// Constraints tell the model what a valid completion looks like.
type Constraints struct {
	MaxTokens              int    `json:"max_tokens"`
	CiteFromAllowedIDsOnly bool   `json:"cite_from_allowed_ids_only"`
	OutputSchema           string `json:"output_schema"`
}

// Envelope is the full prompt payload handed to the LLM.
type Envelope struct {
	PromptVersion string               `json:"prompt_version"`
	Intent        model.Intent         `json:"intent"`
	Question      string               `json:"question"`
	Anchor        model.Anchor         `json:"anchor"`
	Evidence      model.EvidenceBundle `json:"evidence"`
	AllowedIDs    []string             `json:"allowed_ids"`
	SchemaVersion string               `json:"schema_version"`
	Constraints   Constraints          `json:"constraints"`
}

// Build assembles the envelope for a selected bundle.
func Build(intent model.Intent, question string, bundle model.EvidenceBundle, maxTokens int) Envelope {
	return Envelope{
		PromptVersion: EnvelopeVersion,
		Intent:        intent,
		Question:      question,
		Anchor:        bundle.Anchor,
		Evidence:      bundle,
		AllowedIDs:    bundle.AllowedIDs,
		SchemaVersion: model.SchemaVersion,
		Constraints: Constraints{
			MaxTokens:              maxTokens,
			CiteFromAllowedIDsOnly: true,
			OutputSchema:           "WhyDecisionAnswer@1",
		},
	}
}

// Canonical returns the canonical JSON bytes of the envelope. These exact
// bytes go to the LLM and into the prompt fingerprint.
func (e Envelope) Canonical() ([]byte, error) {
	buf, err := canonjson.Marshal(e)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, "prompt", err)
	}
	return buf, nil
}

// Fingerprints computes the content digests for an envelope: the prompt
// itself, the evidence bundle, and the allowed id set. graph_fp covers the
// pre-selection pool and is supplied by the caller.
func Fingerprints(e Envelope) (promptFP, bundleFP, allowedIDsFP string, err error) {
	raw, err := e.Canonical()
	if err != nil {
		return "", "", "", err
	}
	promptFP = canonjson.Fingerprint(raw)

	bundleFP, err = canonjson.FingerprintValue(e.Evidence)
	if err != nil {
		return "", "", "", model.Wrap(model.KindInternal, "prompt", err)
	}
	allowedIDsFP, err = canonjson.FingerprintValue(e.AllowedIDs)
	if err != nil {
		return "", "", "", model.Wrap(model.KindInternal, "prompt", err)
	}
	return promptFP, bundleFP, allowedIDsFP, nil
}
