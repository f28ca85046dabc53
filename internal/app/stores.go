package app

import (
	"context"

	"livequiz-session-service/internal/domain"
)

// SessionStore persists session records. It is the source of truth for
// lifecycle state; cache layers in front of it are accelerators only.
type SessionStore interface {
	Create(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	// ActiveForActivity lists sessions in the activity that are currently
	// active, for the one-active-session-per-activity invariant.
	ActiveForActivity(ctx context.Context, activityID string) ([]*domain.Session, error)
}

// QuestionRepository loads a session's question set (from cache/backing store).
type QuestionRepository interface {
	QuestionSet(ctx context.Context, sessionID string) (domain.QuestionSet, error)
}

// ResponseStore persists accepted answers. Insert must enforce the
// (session, question, participant) uniqueness invariant atomically and
// return domain.ErrDuplicateSubmission on conflict; a check-then-act split
// is not acceptable here.
type ResponseStore interface {
	Insert(ctx context.Context, response *domain.Response) error
	// InsertBatch persists all responses or none.
	InsertBatch(ctx context.Context, responses []*domain.Response) error
	// ExistingKeys reports which of the given triples already have a response.
	ExistingKeys(ctx context.Context, keys []domain.ResponseKey) (map[domain.ResponseKey]bool, error)
}

// ConnectionStore tracks per-client liveness records.
type ConnectionStore interface {
	// Register stores a new connection, demoting any prior connected
	// connection of the same participant to disconnected. The prior
	// connection's current-question-answered flag carries over to the new
	// record so reconnecting participants keep their answered state.
	Register(ctx context.Context, conn *domain.Connection) error
	Get(ctx context.Context, id string) (*domain.Connection, error)
	Update(ctx context.Context, conn *domain.Connection) error
	BySession(ctx context.Context, sessionID string) ([]*domain.Connection, error)
	ByParticipant(ctx context.Context, sessionID, participantID string) (*domain.Connection, error)
	// ResetAnswered clears every connection's current-question-answered flag
	// for the session, on question advance.
	ResetAnswered(ctx context.Context, sessionID string) error
	// MarkAnswered flips the participant's answered flag for the session.
	MarkAnswered(ctx context.Context, sessionID, participantID string) error
	// SessionIDs lists sessions with at least one tracked connection, for
	// the out-of-band stale sweep.
	SessionIDs(ctx context.Context) ([]string, error)
}

// EventLog is the append-only sink for state transitions and submissions.
// Appends are best-effort from the caller's point of view: a sink failure
// never fails the operation that produced the event.
type EventLog interface {
	Append(ctx context.Context, event domain.Event) error
}
