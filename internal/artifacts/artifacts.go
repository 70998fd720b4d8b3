// Package artifacts persists the audit trail of every query: the prompt
// envelope, the evidence bundle before and after selection, the raw model
// output, the validator report, and the final response. Persistence is
// best-effort; an artifact store outage never fails a query.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Artifact names, in write order. The final response is always written last,
// so a request directory containing NameResponse is complete.
const (
	NameEnvelope    = "envelope.json"
	NameEvidencePre = "evidence.pre.json"
	NameEvidencePos = "evidence.post.json"
	NameLLMRaw      = "llm.raw.json"
	NameValidator   = "validator.report.json"
	NameResponse    = "final.json"
	NameSignature   = "final.sig"
)

// Sink stores artifact bytes under (requestID, name).
type Sink interface {
	Put(ctx context.Context, requestID, name string, data []byte) error
	Get(ctx context.Context, requestID, name string) ([]byte, error)
	Close() error
}

// Record is one indexed artifact.
type Record struct {
	RequestID string    `json:"request_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Store combines a sink with the index and optional signing.
type Store struct {
	sink   Sink
	index  *Index // nil disables indexing
	signer *Signer
	logger *slog.Logger
}

// NewStore creates an artifact store. index and signer may be nil.
func NewStore(sink Sink, index *Index, signer *Signer, logger *slog.Logger) *Store {
	return &Store{sink: sink, index: index, signer: signer, logger: logger}
}

// Put persists one artifact, best-effort. Failures are logged and swallowed:
// the audit trail is valuable but never worth failing the query over.
func (s *Store) Put(ctx context.Context, requestID, name string, data []byte) {
	if err := s.sink.Put(ctx, requestID, name, data); err != nil {
		s.logger.Warn("artifacts: put failed", "request_id", requestID, "name", name, "error", err)
		return
	}
	if s.index != nil {
		sum := sha256.Sum256(data)
		rec := Record{
			RequestID: requestID,
			Name:      name,
			Size:      int64(len(data)),
			SHA256:    hex.EncodeToString(sum[:]),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.index.Insert(ctx, rec); err != nil {
			s.logger.Warn("artifacts: index insert failed", "request_id", requestID, "name", name, "error", err)
		}
	}
}

// PutFinal persists the final response and, when a signer is configured, a
// detached Ed25519 signature over its exact bytes.
func (s *Store) PutFinal(ctx context.Context, requestID string, data []byte) {
	s.Put(ctx, requestID, NameResponse, data)
	if s.signer != nil {
		s.Put(ctx, requestID, NameSignature, s.signer.Sign(data))
	}
}

// CloneTrail copies the indexed artifacts of one request under another id,
// excluding the final response and its signature, which the caller rewrites
// for the new request. Best-effort, like every write here; without an index
// there is nothing to enumerate and the call is a no-op.
func (s *Store) CloneTrail(ctx context.Context, fromID, toID string) {
	if s.index == nil {
		return
	}
	records, err := s.index.ListByRequest(ctx, fromID)
	if err != nil {
		s.logger.Warn("artifacts: clone list failed", "from", fromID, "to", toID, "error", err)
		return
	}
	for _, rec := range records {
		if rec.Name == NameResponse || rec.Name == NameSignature {
			continue
		}
		data, err := s.sink.Get(ctx, fromID, rec.Name)
		if err != nil {
			s.logger.Warn("artifacts: clone read failed", "from", fromID, "name", rec.Name, "error", err)
			continue
		}
		s.Put(ctx, toID, rec.Name, data)
	}
}

// Get fetches one artifact.
func (s *Store) Get(ctx context.Context, requestID, name string) ([]byte, error) {
	return s.sink.Get(ctx, requestID, name)
}

// List returns the index records for a request, write order preserved.
func (s *Store) List(ctx context.Context, requestID string) ([]Record, error) {
	if s.index == nil {
		return nil, nil
	}
	return s.index.ListByRequest(ctx, requestID)
}

// Close releases the sink and index.
func (s *Store) Close() error {
	var firstErr error
	if err := s.sink.Close(); err != nil {
		firstErr = err
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
