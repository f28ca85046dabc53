package app_test

import (
	"testing"
	"time"

	"livequiz-session-service/internal/app"
)

func newLimiter(limit int, window time.Duration) (*app.RateLimiter, *fakeClock) {
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	return app.NewRateLimiter(limit, window).WithClock(clock.Now), clock
}

func TestRateLimiterAllowsUpToLimitThenRejects(t *testing.T) {
	limiter, clock := newLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		decision := limiter.Check("p1", "submitanswer")
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if decision.Remaining != 5-(i+1) {
			t.Fatalf("request %d: expected remaining %d, got %d", i+1, 5-(i+1), decision.Remaining)
		}
	}

	clock.Advance(10 * time.Second)
	decision := limiter.Check("p1", "submitanswer")
	if decision.Allowed {
		t.Fatalf("sixth request in the window must be rejected")
	}
	if decision.Remaining != 0 {
		t.Fatalf("expected zero remaining, got %d", decision.Remaining)
	}
	if decision.ResetIn != 50*time.Second {
		t.Fatalf("expected reset in 50s (60s window, 10s elapsed), got %s", decision.ResetIn)
	}
}

func TestRateLimiterWindowRollover(t *testing.T) {
	limiter, clock := newLimiter(2, time.Minute)

	limiter.Check("p1", "submitanswer")
	limiter.Check("p1", "submitanswer")
	if limiter.Check("p1", "submitanswer").Allowed {
		t.Fatalf("third request must be rejected")
	}

	clock.Advance(time.Minute)
	decision := limiter.Check("p1", "submitanswer")
	if !decision.Allowed || decision.Remaining != 1 {
		t.Fatalf("expected a fresh window after rollover, got %+v", decision)
	}
}

func TestRateLimiterKeysByIdentityAndAction(t *testing.T) {
	limiter, _ := newLimiter(1, time.Minute)

	if !limiter.Check("p1", "submitanswer").Allowed {
		t.Fatalf("first request allowed")
	}
	if limiter.Check("p1", "submitanswer").Allowed {
		t.Fatalf("same identity and action exhausted")
	}
	if !limiter.Check("p2", "submitanswer").Allowed {
		t.Fatalf("another identity has its own window")
	}
	if !limiter.Check("p1", "pause").Allowed {
		t.Fatalf("another action has its own window")
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	limiter, _ := newLimiter(3, time.Minute)

	if got := limiter.Peek("p1", "submitanswer"); !got.Allowed || got.Remaining != 3 {
		t.Fatalf("peek on an empty window: %+v", got)
	}

	limiter.Check("p1", "submitanswer")
	before := limiter.Peek("p1", "submitanswer")
	after := limiter.Peek("p1", "submitanswer")
	if before.Remaining != 2 || after.Remaining != 2 {
		t.Fatalf("peek must not consume: before=%+v after=%+v", before, after)
	}
}

func TestCleanupDropsIdleWindows(t *testing.T) {
	limiter, clock := newLimiter(5, time.Minute)

	limiter.Check("idle", "submitanswer")
	clock.Advance(6 * time.Minute)
	limiter.Check("busy", "submitanswer")
	limiter.Cleanup()

	// The idle identity's window is gone, so its next check starts fresh;
	// the busy identity's window survives.
	if got := limiter.Peek("idle", "submitanswer"); got.Remaining != 5 {
		t.Fatalf("expected idle window dropped, got %+v", got)
	}
	if got := limiter.Peek("busy", "submitanswer"); got.Remaining != 4 {
		t.Fatalf("expected busy window retained, got %+v", got)
	}
}
