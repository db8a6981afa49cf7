package pool

import (
	"sync"
	"time"
)

// breaker implements the per-service circuit breaker from spec.md §4.1:
// after K consecutive spawn failures, stop auto-spawning for a cooldown
// window; acquire fails fast with ErrSpawnFailed while open.
type breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	consecutive int
	openUntil   time.Time
	lastErr     error
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.openUntil = time.Time{}
}

func (b *breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	b.lastErr = err
	if b.consecutive >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	return time.Now().Before(b.openUntil)
}

func (b *breaker) snapshot() (consecutive int, open bool, lastErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive, !b.openUntil.IsZero() && time.Now().Before(b.openUntil), b.lastErr
}
