package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"livequiz-session-service/internal/domain"
	"livequiz-session-service/internal/observability"
)

// HeartbeatTracker derives connection liveness from periodic client pings.
// Staleness is recomputed on read and reconciled by an out-of-band sweep;
// the transport cannot be trusted to signal disconnects.
type HeartbeatTracker struct {
	connections  ConnectionStore
	events       EventLog
	latency      *LatencyWindow
	metrics      *observability.Metrics
	staleTimeout time.Duration
	clock        func() time.Time
}

func NewHeartbeatTracker(connections ConnectionStore, events EventLog, latency *LatencyWindow, staleTimeout time.Duration) *HeartbeatTracker {
	if staleTimeout <= 0 {
		staleTimeout = 10 * time.Second
	}
	return &HeartbeatTracker{
		connections:  connections,
		events:       events,
		latency:      latency,
		staleTimeout: staleTimeout,
		clock:        time.Now,
	}
}

// WithMetrics attaches Prometheus instruments; safe to skip in tests.
func (t *HeartbeatTracker) WithMetrics(metrics *observability.Metrics) *HeartbeatTracker {
	t.metrics = metrics
	return t
}

// WithClock is test-only for deterministic timestamps.
func (t *HeartbeatTracker) WithClock(now func() time.Time) *HeartbeatTracker {
	t.clock = now
	return t
}

// Register creates a connection record for a (re)connecting client. Any
// prior connected connection of the same participant is demoted so at most
// one stays connected.
func (t *HeartbeatTracker) Register(ctx context.Context, sessionID, participantID, transport string) (*domain.Connection, error) {
	now := t.clock()
	conn := &domain.Connection{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		ParticipantID:   participantID,
		Transport:       transport,
		Status:          domain.ConnectionConnected,
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
	if err := t.connections.Register(ctx, conn); err != nil {
		return nil, fmt.Errorf("register connection: %w", err)
	}
	if t.metrics != nil {
		t.metrics.ActiveConnections.Inc()
	}
	return conn, nil
}

// Heartbeat stamps the connection as alive. The claimed session/participant
// must match the connection record. A ping after a disconnect or a gap
// beyond the stale threshold is logged as a reconnection.
func (t *HeartbeatTracker) Heartbeat(ctx context.Context, connectionID, sessionID, participantID string) error {
	conn, err := t.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.SessionID != sessionID || conn.ParticipantID != participantID {
		return domain.ErrConnectionMismatch
	}

	now := t.clock()
	wasDisconnected := conn.Status == domain.ConnectionDisconnected
	gap := now.Sub(conn.LastHeartbeatAt)

	conn.LastHeartbeatAt = now
	conn.Status = domain.ConnectionConnected
	if err := t.connections.Update(ctx, conn); err != nil {
		return fmt.Errorf("update connection: %w", err)
	}

	if wasDisconnected || gap > t.staleTimeout {
		t.logEvent(ctx, domain.EventReconnection, sessionID, participantID, map[string]string{
			"connectionId": connectionID,
			"gapSeconds":   fmt.Sprintf("%.1f", gap.Seconds()),
		})
		if t.metrics != nil && wasDisconnected {
			t.metrics.ActiveConnections.Inc()
		}
	}
	return nil
}

// SweepStale flips connected connections whose last heartbeat is older than
// the stale timeout to disconnected. Invoked out-of-band; it never runs on
// the submission path.
func (t *HeartbeatTracker) SweepStale(ctx context.Context, sessionID string) (int, error) {
	conns, err := t.connections.BySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	cutoff := t.clock().Add(-t.staleTimeout)
	swept := 0
	for _, conn := range conns {
		if conn.Status != domain.ConnectionConnected || !conn.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		conn.Status = domain.ConnectionDisconnected
		if err := t.connections.Update(ctx, conn); err != nil {
			return swept, fmt.Errorf("disconnect stale connection %s: %w", conn.ID, err)
		}
		swept++
		t.logEvent(ctx, domain.EventConnectionStale, sessionID, conn.ParticipantID, map[string]string{"connectionId": conn.ID})
		if t.metrics != nil {
			t.metrics.ActiveConnections.Dec()
		}
	}
	return swept, nil
}

// RunSweeper periodically sweeps every session with tracked connections
// until the context is canceled. Each tick is bounded by its own timeout so
// a slow store cannot pile up ticks.
func (t *HeartbeatTracker) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, interval)
				sessionIDs, err := t.connections.SessionIDs(tickCtx)
				if err != nil {
					cancel()
					log.Printf("stale sweep: list sessions: %v", err)
					continue
				}
				for _, sessionID := range sessionIDs {
					if _, err := t.SweepStale(tickCtx, sessionID); err != nil {
						log.Printf("stale sweep %s: %v", sessionID, err)
					}
				}
				cancel()
			}
		}
	}()
}

// ConnectionStats returns liveness counts plus the average recent submission
// latency, for dashboard display. Staleness here is derived on read; the
// sweep formalizes it later.
func (t *HeartbeatTracker) ConnectionStats(ctx context.Context, sessionID string) (domain.ConnectionStats, error) {
	conns, err := t.connections.BySession(ctx, sessionID)
	if err != nil {
		return domain.ConnectionStats{}, err
	}

	cutoff := t.clock().Add(-t.staleTimeout)
	stats := domain.ConnectionStats{SessionID: sessionID, Total: len(conns)}
	for _, conn := range conns {
		switch conn.Status {
		case domain.ConnectionConnected:
			if conn.LastHeartbeatAt.Before(cutoff) {
				stats.Stale++
			} else {
				stats.Active++
			}
		case domain.ConnectionDisconnected:
			stats.Disconnected++
		}
	}
	if t.latency != nil {
		stats.AvgSubmitLatencyMS = t.latency.Average()
	}
	return stats, nil
}

func (t *HeartbeatTracker) logEvent(ctx context.Context, eventType, sessionID, participantID string, detail map[string]string) {
	if t.events == nil {
		return
	}
	_ = t.events.Append(ctx, domain.Event{
		Type:          eventType,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Detail:        detail,
		At:            t.clock(),
	})
}
