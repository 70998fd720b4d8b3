package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucketIdle is how long a key may go unused before its bucket is reclaimed.
const bucketIdle = 10 * time.Minute

// sweepEvery spaces the inline reclaim passes.
const sweepEvery = time.Minute

// tokenBucket tracks the spendable tokens for one key.
type tokenBucket struct {
	level    float64
	refilled time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Buckets
// refill lazily on access and idle ones are reclaimed inline during Allow,
// so the limiter needs no background goroutine.
type MemoryLimiter struct {
	fill float64 // tokens added per second
	cap  float64 // bucket capacity (burst)
	now  func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	swept   time.Time
}

// NewMemoryLimiter creates a limiter sustaining rate requests per second per
// key, with bursts of up to burst.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		fill:    rate,
		cap:     float64(burst),
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow spends one token for key. A cancelled context is reported as an
// error, leaving the verdict to the caller's fail-open policy.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.swept) >= sweepEvery {
		m.reclaim(now)
	}

	b, ok := m.buckets[key]
	if !ok {
		// A fresh key starts with a full bucket, less this request.
		m.buckets[key] = &tokenBucket{level: m.cap - 1, refilled: now}
		return true, nil
	}

	b.level += now.Sub(b.refilled).Seconds() * m.fill
	if b.level > m.cap {
		b.level = m.cap
	}
	b.refilled = now

	if b.level < 1 {
		return false, nil
	}
	b.level--
	return true, nil
}

// Close drops all buckets. The limiter stays usable afterwards.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string]*tokenBucket)
	return nil
}

// reclaim deletes buckets idle past bucketIdle. Caller holds mu.
func (m *MemoryLimiter) reclaim(now time.Time) {
	m.swept = now
	for key, b := range m.buckets {
		if now.Sub(b.refilled) > bucketIdle {
			delete(m.buckets, key)
		}
	}
}
