package server

import (
	"sync"
	"time"
)

// =============================================================================
// Failed Authentication Limiter
// =============================================================================

// RateLimiter blocks a client IP once it has failed authentication limit
// times inside one window. The window opens on the first failure; a
// successful authentication clears the IP.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time

	// ip -> failures in the open window
	strikes map[string]strikes

	stop     chan struct{}
	stopOnce sync.Once
}

type strikes struct {
	n       int
	expires time.Time
}

// NewRateLimiter starts a limiter with a background sweep of expired
// windows. Call Stop when done.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		strikes: make(map[string]strikes),
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// IsBlocked reports whether ip must be rejected before authenticating.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	return rl.FailureCount(ip) >= rl.limit
}

// RecordFailure counts one failed attempt for ip and returns the count in
// the current window.
func (rl *RateLimiter) RecordFailure(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	s := rl.strikes[ip]
	if !now.Before(s.expires) {
		s = strikes{expires: now.Add(rl.window)}
	}
	s.n++
	rl.strikes[ip] = s
	return s.n
}

// Reset forgets ip.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	delete(rl.strikes, ip)
	rl.mu.Unlock()
}

// FailureCount returns the failures of ip in its open window, 0 when the
// window has expired.
func (rl *RateLimiter) FailureCount(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s, ok := rl.strikes[ip]
	if !ok || !rl.now().Before(s.expires) {
		return 0
	}
	return s.n
}

// Stop ends the sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, s := range rl.strikes {
		if !now.Before(s.expires) {
			delete(rl.strikes, ip)
		}
	}
}
