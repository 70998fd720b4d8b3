package pipeline

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/batvault/batvault/internal/model"
)

// tokenHighWater bounds the number of unsent token frames. When the queue is
// full, Token blocks, which pauses the model reader until the client drains.
const tokenHighWater = 50

// Emitter writes an NDJSON stream: zero or more token frames followed by
// exactly one final or error frame. Tokens flow through a bounded queue to a
// single writer goroutine; a slow client applies backpressure to the
// producer instead of buffering without limit.
type Emitter struct {
	w       io.Writer
	flusher http.Flusher // nil when the writer cannot flush

	tokens  chan string
	drained chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewEmitter starts the emitter's writer goroutine. Single producer: Token,
// Final, and Error must be called from one goroutine, with Final or Error
// exactly once to terminate the stream.
func NewEmitter(w io.Writer) *Emitter {
	e := &Emitter{
		w:       w,
		tokens:  make(chan string, tokenHighWater),
		drained: make(chan struct{}),
	}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	go e.writeLoop()
	return e
}

func (e *Emitter) writeLoop() {
	defer close(e.drained)
	for tok := range e.tokens {
		e.writeFrame(model.TokenFrame{Evt: model.EvtToken, Token: tok})
	}
}

// Token queues one token frame, blocking at the high-water mark until the
// writer catches up. Tokens after termination are discarded.
func (e *Emitter) Token(tok string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	select {
	case e.tokens <- tok:
	case <-e.drained:
	}
}

// Final drains pending tokens and writes the authoritative last frame.
func (e *Emitter) Final(resp model.ResponseBody) {
	if !e.terminate() {
		return
	}
	e.writeFrame(model.FinalFrame{
		Evt:           model.EvtFinal,
		SchemaVersion: model.SchemaVersion,
		Response:      resp,
	})
}

// Error drains pending tokens and terminates the stream with an error frame.
func (e *Emitter) Error(code, message, policyFP string) {
	if !e.terminate() {
		return
	}
	e.writeFrame(model.ErrorFrame{
		Evt:      model.EvtError,
		Code:     code,
		Message:  message,
		PolicyFP: policyFP,
	})
}

// terminate closes the token queue once and waits for the writer goroutine.
// Returns false if the stream was already terminated.
func (e *Emitter) terminate() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	e.mu.Unlock()

	close(e.tokens)
	<-e.drained
	return true
}

// writeFrame needs no lock: token frames are written only by the writer
// goroutine, and the terminal frame only after that goroutine has drained.
func (e *Emitter) writeFrame(frame any) {
	buf, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_, _ = e.w.Write(append(buf, '\n'))
	if e.flusher != nil {
		e.flusher.Flush()
	}
}
