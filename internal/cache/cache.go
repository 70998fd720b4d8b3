// Package cache provides the snapshot-keyed read-through cache for resolve,
// expand, and evidence bundle stages. Every key includes the snapshot etag,
// so a new snapshot invalidates everything without explicit flushes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Default TTLs per cached stage.
const (
	TTLResolve = 300 * time.Second
	TTLExpand  = 60 * time.Second
	TTLBundle  = 60 * time.Second
)

// Store is a byte-oriented TTL cache. A miss returns (nil, false, nil); cache
// failures must never fail the request, so callers treat errors as misses.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Key builds a cache key from the operation name, the snapshot etag, and a
// digest of the operation input. Keys stay bounded regardless of input size.
func Key(op, snapshotETag, input string) string {
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("bv:%s:%s:%s", op, snapshotETag, hex.EncodeToString(sum[:]))
}
