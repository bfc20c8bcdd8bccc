package signal

import (
	"sync"
	"time"
)

// ConnectRateLimiter bounds connection attempts per client address within a sliding window.
type ConnectRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time

	lastPrune time.Time
}

// NewConnectRateLimiter returns nil when limit is not positive, which disables limiting.
func NewConnectRateLimiter(limit int, interval time.Duration) *ConnectRateLimiter {
	if limit <= 0 || interval <= 0 {
		return nil
	}
	return &ConnectRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ConnectRateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[addr]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[addr] = fresh
		return false
	}

	rl.history[addr] = append(fresh, now)
	if now.Sub(rl.lastPrune) >= rl.interval {
		rl.prune(windowStart)
		rl.lastPrune = now
	}
	return true
}

// prune forgets addresses with no attempt inside the window. It runs at most
// once per interval, so a stale address lingers for up to two intervals.
func (rl *ConnectRateLimiter) prune(windowStart time.Time) {
	for addr, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, addr)
		}
	}
}
