// Package search provides the vector index used by the semantic resolution
// pass. The lexical BM25 pass lives in the Memory API; this package only
// covers similarity search over node embeddings.
package search

import "context"

// Result is a single similarity hit: a node id and its cosine score.
type Result struct {
	ID    string
	Score float32
}

// Searcher finds nodes with embeddings similar to a query vector.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, limit int) ([]Result, error)
	Healthy(ctx context.Context) error
	Close() error
}
