package dispatch

import (
	"sync"
	"time"

	"wadesk/internal/domain"
)

// DefaultRateWindow is the fixed window applied when none is configured.
const DefaultRateWindow = time.Second

type rateBucket struct {
	windowStart time.Time
	count       int
}

// RateLimiter throttles dispatches per (tenant, instance) key. A
// shared-backing implementation can replace the in-memory one when the
// dispatcher runs on more than one node.
type RateLimiter interface {
	AssertWithinLimit(key string, limit int, window time.Duration) error
	Reset(key string)
}

// MemoryRateLimiter is a fixed-window token counter in process-local state.
// The effective limit multiplies by pod count when scaled out.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	now     func() time.Time
}

func NewRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{buckets: make(map[string]*rateBucket), now: time.Now}
}

// AssertWithinLimit consumes one token for key, failing with a typed
// rate-limit error carrying retry-after when the window is exhausted.
// A limit <= 0 disables limiting for the key.
func (l *MemoryRateLimiter) AssertWithinLimit(key string, limit int, window time.Duration) error {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = DefaultRateWindow
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[key]
	if b == nil || now.Sub(b.windowStart) >= window {
		b = &rateBucket{windowStart: now}
		l.buckets[key] = b
	}
	if b.count >= limit {
		retryAfter := b.windowStart.Add(window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return domain.RateLimited(retryAfter)
	}
	b.count++
	return nil
}

// Reset clears the bucket for key. Test and administrative hook.
func (l *MemoryRateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
