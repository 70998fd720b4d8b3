package artifacts

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Signer produces detached Ed25519 signatures over final response bytes, so
// an exported audit bundle can be verified offline against the gateway's
// public key.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner builds a signer from a hex-encoded 32-byte Ed25519 seed.
func NewSigner(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("artifacts: decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("artifacts: signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign returns the detached signature for data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// PublicKey returns the verifying key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Verify checks a detached signature against a public key.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}
