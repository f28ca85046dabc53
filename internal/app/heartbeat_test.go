package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"livequiz-session-service/internal/app"
	"livequiz-session-service/internal/domain"
	"livequiz-session-service/internal/infra/memory"
)

type heartbeatFixture struct {
	tracker     *app.HeartbeatTracker
	connections *memory.ConnectionStore
	events      *memory.EventLog
	latency     *app.LatencyWindow
	clock       *fakeClock
}

func newHeartbeatFixture(t *testing.T, staleTimeout time.Duration) *heartbeatFixture {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	connections := memory.NewConnectionStore()
	events := memory.NewEventLog(0)
	latency := app.NewLatencyWindow(0)
	tracker := app.NewHeartbeatTracker(connections, events, latency, staleTimeout).WithClock(clock.Now)
	return &heartbeatFixture{
		tracker:     tracker,
		connections: connections,
		events:      events,
		latency:     latency,
		clock:       clock,
	}
}

func (f *heartbeatFixture) eventCount(eventType string) int {
	count := 0
	for _, event := range f.events.Events() {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

func TestRegisterDemotesPriorConnection(t *testing.T) {
	ctx := context.Background()
	f := newHeartbeatFixture(t, 10*time.Second)

	first, err := f.tracker.Register(ctx, "s1", "p1", "websocket")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := f.tracker.Register(ctx, "s1", "p1", "websocket")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	prior, err := f.connections.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get prior: %v", err)
	}
	if prior.Status != domain.ConnectionDisconnected {
		t.Fatalf("expected prior connection demoted, got %s", prior.Status)
	}
	current, err := f.connections.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if current.Status != domain.ConnectionConnected {
		t.Fatalf("expected new connection connected, got %s", current.Status)
	}
}

func TestHeartbeatRejectsMismatchedIdentity(t *testing.T) {
	ctx := context.Background()
	f := newHeartbeatFixture(t, 10*time.Second)

	conn, err := f.tracker.Register(ctx, "s1", "p1", "websocket")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.tracker.Heartbeat(ctx, conn.ID, "s1", "someone-else"); !errors.Is(err, domain.ErrConnectionMismatch) {
		t.Fatalf("expected mismatch for wrong participant, got %v", err)
	}
	if err := f.tracker.Heartbeat(ctx, conn.ID, "other-session", "p1"); !errors.Is(err, domain.ErrConnectionMismatch) {
		t.Fatalf("expected mismatch for wrong session, got %v", err)
	}
	if err := f.tracker.Heartbeat(ctx, "no-such-connection", "s1", "p1"); !errors.Is(err, domain.ErrConnectionNotFound) {
		t.Fatalf("expected not-found for unknown connection, got %v", err)
	}
}

func TestHeartbeatAfterGapLogsReconnection(t *testing.T) {
	ctx := context.Background()
	f := newHeartbeatFixture(t, 10*time.Second)

	conn, err := f.tracker.Register(ctx, "s1", "p1", "websocket")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	f.clock.Advance(5 * time.Second)
	if err := f.tracker.Heartbeat(ctx, conn.ID, "s1", "p1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got := f.eventCount(domain.EventReconnection); got != 0 {
		t.Fatalf("a timely heartbeat must not log a reconnection, got %d", got)
	}

	f.clock.Advance(11 * time.Second)
	if err := f.tracker.Heartbeat(ctx, conn.ID, "s1", "p1"); err != nil {
		t.Fatalf("heartbeat after gap: %v", err)
	}
	if got := f.eventCount(domain.EventReconnection); got != 1 {
		t.Fatalf("expected one reconnection event after an 11s gap, got %d", got)
	}
}

func TestHeartbeatRevivesSweptConnection(t *testing.T) {
	ctx := context.Background()
	f := newHeartbeatFixture(t, 10*time.Second)

	conn, err := f.tracker.Register(ctx, "s1", "p1", "websocket")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	f.clock.Advance(11 * time.Second)
	if swept, err := f.tracker.SweepStale(ctx, "s1"); err != nil || swept != 1 {
		t.Fatalf("expected one swept connection, got %d (%v)", swept, err)
	}

	if err := f.tracker.Heartbeat(ctx, conn.ID, "s1", "p1"); err != nil {
		t.Fatalf("heartbeat after sweep: %v", err)
	}
	revived, err := f.connections.Get(ctx, conn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if revived.Status != domain.ConnectionConnected {
		t.Fatalf("expected revived connection, got %s", revived.Status)
	}
	if got := f.eventCount(domain.EventReconnection); got != 1 {
		t.Fatalf("expected a reconnection event for the revived connection, got %d", got)
	}
}

func TestSweepStaleHonorsTimeoutBoundary(t *testing.T) {
	ctx := context.Background()
	f := newHeartbeatFixture(t, 10*time.Second)

	fresh, err := f.tracker.Register(ctx, "s1", "fresh", "websocket")
	if err != nil {
		t.Fatalf("register fresh: %v", err)
	}
	stale, err := f.tracker.Register(ctx, "s1", "stale", "websocket")
	if err != nil {
		t.Fatalf("register stale: %v", err)
	}

	// At sweep time the fresh participant's heartbeat is 9s old (kept) and
	// the stale one's is 11s old (swept), with a 10s timeout.
	f.clock.Advance(2 * time.Second)
	if err := f.tracker.Heartbeat(ctx, fresh.ID, "s1", "fresh"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	f.clock.Advance(9 * time.Second)

	swept, err := f.tracker.SweepStale(ctx, "s1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected exactly the 11s connection swept, got %d", swept)
	}

	staleConn, _ := f.connections.Get(ctx, stale.ID)
	if staleConn.Status != domain.ConnectionDisconnected {
		t.Fatalf("expected stale connection disconnected, got %s", staleConn.Status)
	}
	freshConn, _ := f.connections.Get(ctx, fresh.ID)
	if freshConn.Status != domain.ConnectionConnected {
		t.Fatalf("expected fresh connection untouched, got %s", freshConn.Status)
	}
	if got := f.eventCount(domain.EventConnectionStale); got != 1 {
		t.Fatalf("expected one stale event, got %d", got)
	}
}

func TestSweepStaleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newHeartbeatFixture(t, 10*time.Second)

	if _, err := f.tracker.Register(ctx, "s1", "p1", "websocket"); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.clock.Advance(time.Minute)

	if swept, err := f.tracker.SweepStale(ctx, "s1"); err != nil || swept != 1 {
		t.Fatalf("first sweep: %d (%v)", swept, err)
	}
	if swept, err := f.tracker.SweepStale(ctx, "s1"); err != nil || swept != 0 {
		t.Fatalf("second sweep must find nothing, got %d (%v)", swept, err)
	}
}

func TestConnectionStatsDerivesStalenessOnRead(t *testing.T) {
	ctx := context.Background()
	f := newHeartbeatFixture(t, 10*time.Second)

	if _, err := f.tracker.Register(ctx, "s1", "active", "websocket"); err != nil {
		t.Fatalf("register: %v", err)
	}
	stale, err := f.tracker.Register(ctx, "s1", "stale", "websocket")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	gone, err := f.tracker.Register(ctx, "s1", "gone", "websocket")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Keep "active" fresh, let "stale" age past the threshold without a
	// sweep, and formally disconnect "gone".
	f.clock.Advance(11 * time.Second)
	activeConn, _ := f.connections.ByParticipant(ctx, "s1", "active")
	if err := f.tracker.Heartbeat(ctx, activeConn.ID, "s1", "active"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	goneConn, _ := f.connections.Get(ctx, gone.ID)
	goneConn.Status = domain.ConnectionDisconnected
	if err := f.connections.Update(ctx, goneConn); err != nil {
		t.Fatalf("update: %v", err)
	}

	f.latency.Observe(10)
	f.latency.Observe(20)

	stats, err := f.tracker.ConnectionStats(ctx, "s1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 1 || stats.Stale != 1 || stats.Disconnected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AvgSubmitLatencyMS != 15 {
		t.Fatalf("expected 15ms average latency, got %.1f", stats.AvgSubmitLatencyMS)
	}

	// Derived staleness must not mutate the record; only the sweep does.
	staleConn, _ := f.connections.Get(ctx, stale.ID)
	if staleConn.Status != domain.ConnectionConnected {
		t.Fatalf("stats read must not flip status, got %s", staleConn.Status)
	}
}
