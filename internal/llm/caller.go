package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/batvault/batvault/internal/model"
)

// maxRetries bounds re-asks after an unparseable completion. A completion
// that parses but fails validation is not retried here; the caller decides
// whether to fall back.
const maxRetries = 2

// Caller wraps a Provider with parse-and-retry semantics.
type Caller struct {
	provider Provider
	logger   *slog.Logger
}

// NewCaller creates a caller.
func NewCaller(provider Provider, logger *slog.Logger) *Caller {
	return &Caller{provider: provider, logger: logger}
}

// Result is a parsed completion plus how much work it took.
type Result struct {
	Answer  model.WhyDecisionAnswer
	Raw     string // the raw completion of the successful attempt
	Retries int
}

// ModelID returns the underlying provider's model name.
func (c *Caller) ModelID() string { return c.provider.ModelID() }

// Generate runs the model over the prompt and parses the completion into a
// structured answer. Unparseable output is retried up to maxRetries times;
// tokens from failed attempts are not re-streamed. A context deadline is
// terminal: there is no time left to retry in.
func (c *Caller) Generate(ctx context.Context, prompt []byte, maxTokens int, onToken func(string)) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Only the first attempt streams to the client; retries buffer
		// silently so the stream never carries discarded garbage twice.
		tokenFn := onToken
		if attempt > 0 {
			tokenFn = nil
		}

		raw, err := c.provider.Complete(ctx, prompt, maxTokens, tokenFn)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Retries: attempt}, model.Wrap(model.KindStageTimeout, "llm", ctx.Err())
			}
			lastErr = model.Wrap(model.KindUpstream, "llm", err)
			c.logger.Warn("llm: completion failed", "attempt", attempt, "error", err)
			continue
		}

		answer, err := ParseAnswer(raw)
		if err != nil {
			lastErr = err
			c.logger.Warn("llm: unparseable completion", "attempt", attempt, "error", err)
			continue
		}
		return Result{Answer: answer, Raw: raw, Retries: attempt}, nil
	}
	if lastErr == nil {
		lastErr = model.E(model.KindUpstream, "llm", "no completion produced")
	}
	return Result{Retries: maxRetries}, lastErr
}

// ParseAnswer extracts the answer object from a completion. Models wrap JSON
// in prose and code fences often enough that we scan for the outermost object
// instead of unmarshalling the completion verbatim.
func ParseAnswer(raw string) (model.WhyDecisionAnswer, error) {
	jsonText, err := extractJSON(raw)
	if err != nil {
		return model.WhyDecisionAnswer{}, model.Wrap(model.KindParse, "llm", err)
	}

	var answer model.WhyDecisionAnswer
	dec := json.NewDecoder(strings.NewReader(jsonText))
	if err := dec.Decode(&answer); err != nil {
		return model.WhyDecisionAnswer{}, model.Wrap(model.KindParse, "llm", err)
	}
	if answer.ShortAnswer == "" {
		return model.WhyDecisionAnswer{}, model.E(model.KindParse, "llm", "completion missing short_answer")
	}
	return answer, nil
}

// extractJSON returns the first balanced top-level JSON object in text.
func extractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", errors.New("no JSON object in completion")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errors.New("unbalanced JSON object in completion")
}
