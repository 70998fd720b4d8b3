package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/batvault/internal/model"
)

type scriptedProvider struct {
	completions []string
	errs        []error
	calls       int
}

func (p *scriptedProvider) Complete(_ context.Context, _ []byte, _ int, onToken func(string)) (string, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	out := p.completions[i]
	if onToken != nil {
		onToken(out)
	}
	return out, nil
}

func (p *scriptedProvider) ModelID() string { return "scripted" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const goodCompletion = `{"short_answer":"Panasonic exited plasma because demand collapsed.","supporting_ids":["panasonic#a","panasonic#e1"]}`

func TestGenerateFirstTry(t *testing.T) {
	p := &scriptedProvider{completions: []string{goodCompletion}}
	c := NewCaller(p, discardLogger())

	var streamed strings.Builder
	res, err := c.Generate(context.Background(), []byte("prompt"), 512, func(tok string) {
		streamed.WriteString(tok)
	})
	require.NoError(t, err)
	assert.Zero(t, res.Retries)
	assert.Equal(t, "Panasonic exited plasma because demand collapsed.", res.Answer.ShortAnswer)
	assert.Equal(t, []string{"panasonic#a", "panasonic#e1"}, res.Answer.SupportingIDs)
	assert.Equal(t, goodCompletion, streamed.String())
}

func TestGenerateRetriesOnGarbage(t *testing.T) {
	p := &scriptedProvider{completions: []string{"not json at all", goodCompletion}}
	c := NewCaller(p, discardLogger())

	streamCalls := 0
	res, err := c.Generate(context.Background(), []byte("prompt"), 512, func(string) { streamCalls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, 1, streamCalls, "retries must not re-stream tokens")
}

func TestGenerateExhaustsRetries(t *testing.T) {
	p := &scriptedProvider{completions: []string{"x", "y", "z", goodCompletion}}
	c := NewCaller(p, discardLogger())

	_, err := c.Generate(context.Background(), []byte("prompt"), 512, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindParse, model.KindOf(err))
	assert.Equal(t, 3, p.calls, "initial attempt plus two retries")
}

func TestGenerateDeadlineIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &scriptedProvider{errs: []error{fmt.Errorf("context canceled")}, completions: []string{""}}
	c := NewCaller(p, discardLogger())

	_, err := c.Generate(ctx, []byte("prompt"), 512, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindStageTimeout, model.KindOf(err))
	assert.Equal(t, 1, p.calls, "no retries once the deadline is gone")
}

func TestParseAnswerFencedJSON(t *testing.T) {
	raw := "Here is the answer:\n```json\n" + goodCompletion + "\n```\nHope that helps."
	answer, err := ParseAnswer(raw)
	require.NoError(t, err)
	assert.Equal(t, "Panasonic exited plasma because demand collapsed.", answer.ShortAnswer)
}

func TestParseAnswerRejectsEmptyShortAnswer(t *testing.T) {
	_, err := ParseAnswer(`{"supporting_ids":["a#b"]}`)
	require.Error(t, err)
	assert.Equal(t, model.KindParse, model.KindOf(err))
}

func TestExtractJSONBraceInString(t *testing.T) {
	got, err := extractJSON(`noise {"a":"with } brace","b":{"c":1}} trailing`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"with } brace","b":{"c":1}}`, got)
}

func TestOllamaCompleteStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		chunks := []string{
			`{"response":"{\"short_answer\":","done":false}`,
			`{"response":"\"because demand fell\",\"supporting_ids\":[\"d#a\"]}","done":false}`,
			`{"response":"","done":true}`,
		}
		for _, c := range chunks {
			_, _ = fmt.Fprintln(w, c)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3")
	var tokens []string
	full, err := p.Complete(context.Background(), []byte("prompt"), 256, func(tok string) {
		tokens = append(tokens, tok)
	})
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	answer, err := ParseAnswer(full)
	require.NoError(t, err)
	assert.Equal(t, "because demand fell", answer.ShortAnswer)
}
