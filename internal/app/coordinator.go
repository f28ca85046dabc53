package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"livequiz-session-service/internal/domain"
	"livequiz-session-service/internal/observability"
)

// SessionCoordinator owns the session lifecycle: ready → active ⇄ paused →
// completed. All mutations of one session are serialized through a keyed
// lock so concurrent control requests cannot interleave transitions.
type SessionCoordinator struct {
	sessions    SessionStore
	questions   QuestionRepository
	connections ConnectionStore
	events      EventLog
	broadcaster *Broadcaster
	metrics     *observability.Metrics
	clock       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSessionCoordinator(sessions SessionStore, questions QuestionRepository, connections ConnectionStore, events EventLog, broadcaster *Broadcaster) *SessionCoordinator {
	return &SessionCoordinator{
		sessions:    sessions,
		questions:   questions,
		connections: connections,
		events:      events,
		broadcaster: broadcaster,
		clock:       time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// WithMetrics attaches Prometheus instruments; safe to skip in tests.
func (c *SessionCoordinator) WithMetrics(metrics *observability.Metrics) *SessionCoordinator {
	c.metrics = metrics
	return c
}

// NewSessionCoordinatorWithClock is test-only for deterministic timestamps.
func NewSessionCoordinatorWithClock(sessions SessionStore, questions QuestionRepository, connections ConnectionStore, events EventLog, broadcaster *Broadcaster, now func() time.Time) *SessionCoordinator {
	c := NewSessionCoordinator(sessions, questions, connections, events, broadcaster)
	c.clock = now
	return c
}

// sessionLock returns the mutex serializing mutations of one session.
// Locks are keyed by activity for Start so the one-active-session-per-
// activity check and the force-complete step observe a consistent view.
func (c *SessionCoordinator) sessionLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}

// Create registers a new session in the ready state.
func (c *SessionCoordinator) Create(ctx context.Context, activityID string, numQuestions, timeLimitSeconds int) (*domain.Session, error) {
	if numQuestions <= 0 {
		return nil, fmt.Errorf("session needs at least one question")
	}
	session := &domain.Session{
		ID:               uuid.NewString(),
		ActivityID:       activityID,
		Status:           domain.StatusReady,
		NumQuestions:     numQuestions,
		TimeLimitSeconds: timeLimitSeconds,
		CreatedAt:        c.clock(),
	}
	if err := c.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Start transitions ready → active: any other active session in the same
// activity is forcibly completed first, the first question's timer is
// anchored, answered flags are cleared, and the broadcast snapshot is
// published.
func (c *SessionCoordinator) Start(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	activityLock := c.sessionLock("activity:" + session.ActivityID)
	activityLock.Lock()
	defer activityLock.Unlock()

	lock := c.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	session, err = c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusReady {
		return nil, fmt.Errorf("%w: cannot start session in state %q", domain.ErrInvalidTransition, session.Status)
	}

	if err := c.completeOtherActive(ctx, session.ActivityID, session.ID); err != nil {
		return nil, err
	}

	now := c.clock()
	session.Status = domain.StatusActive
	session.CurrentQuestionIndex = 0
	session.QuestionStartedAt = now
	session.PausedAt = time.Time{}
	session.TimerRemainingSeconds = 0
	if err := c.sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := c.connections.ResetAnswered(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("reset answered flags: %w", err)
	}

	c.logEvent(ctx, domain.EventSessionStarted, session.ID, "", nil)
	c.publish(ctx, session)
	return session, nil
}

// completeOtherActive enforces the at-most-one-active-session-per-activity
// invariant as an explicit step rather than a hidden side effect.
func (c *SessionCoordinator) completeOtherActive(ctx context.Context, activityID, exceptID string) error {
	active, err := c.sessions.ActiveForActivity(ctx, activityID)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, other := range active {
		if other.ID == exceptID {
			continue
		}
		if err := c.forceComplete(ctx, other.ID); err != nil {
			return err
		}
	}
	return nil
}

// forceComplete completes one superseded session under its own lock. The
// listing above is only a hint: the session is re-read under the lock and
// left alone if a concurrent Pause or Advance already moved it out of
// active, so a pause cannot interleave with the completion.
func (c *SessionCoordinator) forceComplete(ctx context.Context, sessionID string) error {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	if session.Status != domain.StatusActive {
		return nil
	}

	session.Status = domain.StatusCompleted
	session.CompletedAt = c.clock()
	session.PausedAt = time.Time{}
	session.TimerRemainingSeconds = 0
	if err := c.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("complete session %s: %w", session.ID, err)
	}
	c.logEvent(ctx, domain.EventSessionCompleted, session.ID, "", map[string]string{"reason": "superseded"})
	c.publish(ctx, session)
	return nil
}

// Pause freezes the countdown: remaining = max(0, limit − elapsed) is stored
// and the session stops accepting submissions until resumed.
func (c *SessionCoordinator) Pause(ctx context.Context, sessionID string) (*domain.Session, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusActive {
		return nil, fmt.Errorf("%w: cannot pause session in state %q", domain.ErrInvalidTransition, session.Status)
	}

	now := c.clock()
	session.TimerRemainingSeconds = session.RemainingSeconds(now)
	session.PausedAt = now
	session.Status = domain.StatusPaused
	if err := c.sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("pause session: %w", err)
	}

	c.logEvent(ctx, domain.EventSessionPaused, session.ID, "", map[string]string{
		"timerRemaining": fmt.Sprintf("%.1f", session.TimerRemainingSeconds),
	})
	c.publish(ctx, session)
	return session, nil
}

// Resume re-anchors the question timer so that the frozen remaining time is
// preserved: newStartedAt = now − (limit − remaining). Remaining time is
// therefore invariant under any number of pause/resume cycles.
func (c *SessionCoordinator) Resume(ctx context.Context, sessionID string) (*domain.Session, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusPaused {
		return nil, fmt.Errorf("%w: cannot resume session in state %q", domain.ErrInvalidTransition, session.Status)
	}

	now := c.clock()
	elapsed := float64(session.TimeLimitSeconds) - session.TimerRemainingSeconds
	session.QuestionStartedAt = now.Add(-time.Duration(elapsed * float64(time.Second)))
	session.PauseAccumulatedSeconds += now.Sub(session.PausedAt).Seconds()
	session.PausedAt = time.Time{}
	session.TimerRemainingSeconds = 0
	session.Status = domain.StatusActive
	if err := c.sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}

	c.logEvent(ctx, domain.EventSessionResumed, session.ID, "", nil)
	c.publish(ctx, session)
	return session, nil
}

// Advance moves to the next question, or completes the session once the
// index reaches the question count. Answered flags reset on every advance.
func (c *SessionCoordinator) Advance(ctx context.Context, sessionID string) (*domain.Session, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusActive {
		return nil, fmt.Errorf("%w: cannot advance session in state %q", domain.ErrInvalidTransition, session.Status)
	}

	now := c.clock()
	session.CurrentQuestionIndex++
	if session.CurrentQuestionIndex >= session.NumQuestions {
		session.CurrentQuestionIndex = session.NumQuestions
		session.Status = domain.StatusCompleted
		session.CompletedAt = now
		session.PausedAt = time.Time{}
		session.TimerRemainingSeconds = 0
		if err := c.sessions.Update(ctx, session); err != nil {
			return nil, fmt.Errorf("complete session: %w", err)
		}
		c.logEvent(ctx, domain.EventSessionCompleted, session.ID, "", nil)
		c.publish(ctx, session)
		return session, nil
	}

	session.QuestionStartedAt = now
	session.PausedAt = time.Time{}
	session.TimerRemainingSeconds = 0
	if err := c.sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("advance session: %w", err)
	}
	if err := c.connections.ResetAnswered(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("reset answered flags: %w", err)
	}

	c.logEvent(ctx, domain.EventSessionAdvanced, session.ID, "", map[string]string{
		"questionIndex": fmt.Sprintf("%d", session.CurrentQuestionIndex),
	})
	c.publish(ctx, session)
	return session, nil
}

// CurrentState is a pure projection of the session's broadcast state: live
// remaining time for active sessions, the frozen value for paused ones.
func (c *SessionCoordinator) CurrentState(ctx context.Context, sessionID string) (domain.BroadcastSnapshot, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.BroadcastSnapshot{}, err
	}
	return c.snapshot(ctx, session), nil
}

// ClientState restores a reconnecting participant's view: question, timer,
// and answered flag must be identical to what an uninterrupted client would
// observe, for any disconnect duration.
func (c *SessionCoordinator) ClientState(ctx context.Context, sessionID, participantID string) (domain.ClientState, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.ClientState{}, err
	}
	snapshot := c.snapshot(ctx, session)

	hasAnswered := false
	if conn, err := c.connections.ByParticipant(ctx, sessionID, participantID); err == nil {
		hasAnswered = conn.CurrentQuestionAnswered
	}

	return domain.ClientState{
		SessionID:            session.ID,
		Status:               session.Status,
		CurrentQuestionIndex: session.CurrentQuestionIndex,
		Question:             snapshot.Question,
		TimeLimitSeconds:     session.TimeLimitSeconds,
		TimerRemaining:       snapshot.TimerRemaining,
		HasAnswered:          hasAnswered,
	}, nil
}

func (c *SessionCoordinator) snapshot(ctx context.Context, session *domain.Session) domain.BroadcastSnapshot {
	snapshot := domain.BroadcastSnapshot{
		SessionID:            session.ID,
		Status:               session.Status,
		CurrentQuestionIndex: session.CurrentQuestionIndex,
		TimeLimitSeconds:     session.TimeLimitSeconds,
		TimerRemaining:       session.RemainingSeconds(c.clock()),
		UpdatedAt:            c.clock(),
	}
	if session.Status == domain.StatusActive || session.Status == domain.StatusPaused {
		if set, err := c.questions.QuestionSet(ctx, session.ID); err == nil {
			if q, ok := set.AtPosition(session.CurrentQuestionIndex); ok {
				view := q.View()
				snapshot.Question = &view
			}
		}
	}
	return snapshot
}

func (c *SessionCoordinator) publish(ctx context.Context, session *domain.Session) {
	if c.broadcaster != nil {
		c.broadcaster.Publish(c.snapshot(ctx, session))
	}
}

func (c *SessionCoordinator) logEvent(ctx context.Context, eventType, sessionID, participantID string, detail map[string]string) {
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues(eventType).Inc()
	}
	if c.events == nil {
		return
	}
	_ = c.events.Append(ctx, domain.Event{
		Type:          eventType,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Detail:        detail,
		At:            c.clock(),
	})
}
