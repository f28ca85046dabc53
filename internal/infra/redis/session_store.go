package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"livequiz-session-service/internal/app"
	"livequiz-session-service/internal/domain"
)

// SessionStore is a write-through decorator over an inner app.SessionStore.
// Every create/update mirrors the session JSON into Redis with a TTL so
// polling clients and other instances get a fast read path, while the inner
// store remains the source of truth for correctness-critical state.
type SessionStore struct {
	inner  app.SessionStore
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(inner app.SessionStore, client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{inner: inner, client: client, ttl: ttl}
}

func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	if err := s.inner.Create(ctx, session); err != nil {
		return err
	}
	s.mirror(ctx, session)
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	// Fast path. A cache miss or decode failure falls through to the truth.
	if data, err := s.client.Get(ctx, s.key(id)).Bytes(); err == nil && len(data) > 0 {
		var session domain.Session
		if err := json.Unmarshal(data, &session); err == nil {
			return &session, nil
		}
	}
	session, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, session)
	return session, nil
}

func (s *SessionStore) Update(ctx context.Context, session *domain.Session) error {
	if err := s.inner.Update(ctx, session); err != nil {
		return err
	}
	s.mirror(ctx, session)
	return nil
}

func (s *SessionStore) ActiveForActivity(ctx context.Context, activityID string) ([]*domain.Session, error) {
	// Invariant checks always go to the source of truth.
	return s.inner.ActiveForActivity(ctx, activityID)
}

// mirror is best-effort: a cache write failure never fails the operation.
func (s *SessionStore) mirror(ctx context.Context, session *domain.Session) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	_ = s.client.Set(ctx, s.key(session.ID), data, s.ttl).Err()
}

func (s *SessionStore) key(id string) string {
	return "session:" + id + ":state"
}
