// Package llm calls the answer model over the canonical prompt envelope and
// turns its completion into a structured answer. The model is untrusted:
// anything it returns is validated downstream, and persistent failure here
// falls back to the deterministic templater, never to an error response.
package llm

import "context"

// Provider streams a completion for a prompt. onToken is invoked for each
// chunk as it arrives; the full completion is returned at the end.
type Provider interface {
	Complete(ctx context.Context, prompt []byte, maxTokens int, onToken func(string)) (string, error)
	ModelID() string
}

// NoopProvider is used when LLM_MODE=off; the pipeline goes straight to the
// templater without ever constructing a provider call.
type NoopProvider struct{}

func (NoopProvider) Complete(_ context.Context, _ []byte, _ int, _ func(string)) (string, error) {
	return "", nil
}

func (NoopProvider) ModelID() string { return "off" }
