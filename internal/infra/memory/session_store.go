package memory

import (
	"context"
	"sync"

	"livequiz-session-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionStore. Records
// are copied on every read and write so callers never alias store state.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.Session)}
}

func (s *SessionStore) Create(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	copied := session
	return &copied, nil
}

func (s *SessionStore) Update(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return domain.ErrSessionNotFound
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *SessionStore) ActiveForActivity(_ context.Context, activityID string) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []*domain.Session
	for _, session := range s.sessions {
		if session.ActivityID == activityID && session.Status == domain.StatusActive {
			copied := session
			active = append(active, &copied)
		}
	}
	return active, nil
}
