package fetch

import (
	"context"
	"sync"
	"time"
)

// domainLimiter enforces a minimum gap between successive requests to
// the same domain. Every transport goes through it, including curl.
type domainLimiter struct {
	gap  time.Duration
	mu   sync.Mutex
	last map[string]time.Time
}

func newDomainLimiter(gap time.Duration) *domainLimiter {
	return &domainLimiter{gap: gap, last: make(map[string]time.Time)}
}

// Wait blocks until the domain's minimum gap has elapsed, then claims
// the slot. Claiming before sleeping would let two goroutines pass
// together, so the slot is reserved under the lock.
func (l *domainLimiter) Wait(ctx context.Context, domain string) error {
	if l.gap <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	earliest := now
	if last, ok := l.last[domain]; ok && last.Add(l.gap).After(now) {
		earliest = last.Add(l.gap)
	}
	l.last[domain] = earliest
	l.mu.Unlock()

	wait := time.Until(earliest)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
