// Package embedding defines the embedding provider interface used by the
// vector resolution path. Hosting or training models is out of scope; the
// providers here call an external embedding server or do nothing.
package embedding

import "context"

// Provider generates embedding vectors from text.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the provider's vector size.
	Dimensions() int
}

// NoopProvider returns zero vectors. Used when embeddings are disabled; the
// resolver skips the vector pass when it sees a zero vector.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors of size dims.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, p.dims), nil
}

// Dimensions returns the configured vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// IsZero reports whether vec has no non-zero component.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
