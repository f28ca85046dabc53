package app

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a fixed-window counter keyed by (identity, action). It
// governs write actions only; status reads are never throttled.
type RateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[limitKey]*limitWindow
}

type limitKey struct {
	identity string
	action   string
}

type limitWindow struct {
	start time.Time
	count int
}

// Decision reports one rate-limit computation, ready to surface as
// X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clock:   time.Now,
		windows: make(map[limitKey]*limitWindow),
	}
}

// WithClock is test-only for deterministic windows.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.clock = now
	return rl
}

// Check counts the request against the identity's current window, opening or
// rolling the window as needed. The first limit requests in a window are
// allowed; beyond that the decision carries the time until reset.
func (rl *RateLimiter) Check(identity, action string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	key := limitKey{identity: identity, action: action}

	win, ok := rl.windows[key]
	if !ok || now.Sub(win.start) >= rl.window {
		rl.windows[key] = &limitWindow{start: now, count: 1}
		return Decision{Allowed: true, Limit: rl.limit, Remaining: rl.limit - 1, ResetIn: rl.window}
	}

	win.count++
	return rl.decisionLocked(win, now)
}

// Peek computes the current decision without consuming a request, for
// informational headers.
func (rl *RateLimiter) Peek(identity, action string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	win, ok := rl.windows[limitKey{identity: identity, action: action}]
	if !ok || now.Sub(win.start) >= rl.window {
		return Decision{Allowed: true, Limit: rl.limit, Remaining: rl.limit, ResetIn: rl.window}
	}
	return rl.decisionLocked(win, now)
}

func (rl *RateLimiter) decisionLocked(win *limitWindow, now time.Time) Decision {
	remaining := rl.limit - win.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   win.count <= rl.limit,
		Limit:     rl.limit,
		Remaining: remaining,
		ResetIn:   rl.window - now.Sub(win.start),
	}
}

// Cleanup drops windows idle for more than five window lengths so the map
// does not grow with every identity ever seen.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	for key, win := range rl.windows {
		if now.Sub(win.start) > 5*rl.window {
			delete(rl.windows, key)
		}
	}
}

// RunCleanup runs Cleanup on a ticker until the context is canceled.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * rl.window
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup()
			}
		}
	}()
}
