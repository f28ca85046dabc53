package memory

import (
	"context"
	"sync"

	"livequiz-session-service/internal/domain"
)

// ResponseStore is an in-memory implementation of app.ResponseStore. The
// check-and-insert runs under one mutex so the uniqueness invariant holds
// under concurrent submissions, matching the reject-on-conflict contract of
// the SQL implementation.
type ResponseStore struct {
	mu        sync.RWMutex
	byKey     map[domain.ResponseKey]*domain.Response
	responses []*domain.Response
}

func NewResponseStore() *ResponseStore {
	return &ResponseStore{byKey: make(map[domain.ResponseKey]*domain.Response)}
}

func (s *ResponseStore) Insert(_ context.Context, response *domain.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(response)
}

func (s *ResponseStore) InsertBatch(_ context.Context, responses []*domain.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// All-or-none: verify every key before touching state.
	for _, response := range responses {
		if _, exists := s.byKey[response.Key()]; exists {
			return domain.ErrDuplicateSubmission
		}
	}
	for _, response := range responses {
		if err := s.insertLocked(response); err != nil {
			return err
		}
	}
	return nil
}

func (s *ResponseStore) insertLocked(response *domain.Response) error {
	key := response.Key()
	if _, exists := s.byKey[key]; exists {
		return domain.ErrDuplicateSubmission
	}
	copied := *response
	s.byKey[key] = &copied
	s.responses = append(s.responses, &copied)
	return nil
}

func (s *ResponseStore) ExistingKeys(_ context.Context, keys []domain.ResponseKey) (map[domain.ResponseKey]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing := make(map[domain.ResponseKey]bool)
	for _, key := range keys {
		if _, ok := s.byKey[key]; ok {
			existing[key] = true
		}
	}
	return existing, nil
}

// BySession returns the session's responses in insertion order, for tests
// and statistics collaborators.
func (s *ResponseStore) BySession(_ context.Context, sessionID string) ([]*domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Response
	for _, response := range s.responses {
		if response.SessionID == sessionID {
			copied := *response
			out = append(out, &copied)
		}
	}
	return out, nil
}
