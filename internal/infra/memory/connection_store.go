package memory

import (
	"context"
	"sort"
	"sync"

	"livequiz-session-service/internal/domain"
)

// ConnectionStore is an in-memory implementation of app.ConnectionStore.
// Disconnected records are retained for audit.
type ConnectionStore struct {
	mu          sync.RWMutex
	connections map[string]domain.Connection
}

func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{connections: make(map[string]domain.Connection)}
}

func (s *ConnectionStore) Register(_ context.Context, conn *domain.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// One connected connection per participant: demote any prior one. The
	// answered flag carries over so a reconnect does not forget an answer
	// already submitted for the current question.
	for id, existing := range s.connections {
		if existing.SessionID != conn.SessionID || existing.ParticipantID != conn.ParticipantID {
			continue
		}
		if existing.CurrentQuestionAnswered {
			conn.CurrentQuestionAnswered = true
		}
		if existing.Status == domain.ConnectionConnected {
			existing.Status = domain.ConnectionDisconnected
			s.connections[id] = existing
		}
	}
	s.connections[conn.ID] = *conn
	return nil
}

func (s *ConnectionStore) Get(_ context.Context, id string) (*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[id]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	copied := conn
	return &copied, nil
}

func (s *ConnectionStore) Update(_ context.Context, conn *domain.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[conn.ID]; !ok {
		return domain.ErrConnectionNotFound
	}
	s.connections[conn.ID] = *conn
	return nil
}

func (s *ConnectionStore) BySession(_ context.Context, sessionID string) ([]*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var conns []*domain.Connection
	for _, conn := range s.connections {
		if conn.SessionID == sessionID {
			copied := conn
			conns = append(conns, &copied)
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].CreatedAt.Before(conns[j].CreatedAt) })
	return conns, nil
}

func (s *ConnectionStore) ByParticipant(_ context.Context, sessionID, participantID string) (*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Prefer the connected record; fall back to the most recent one.
	var latest *domain.Connection
	for _, conn := range s.connections {
		if conn.SessionID != sessionID || conn.ParticipantID != participantID {
			continue
		}
		copied := conn
		if copied.Status == domain.ConnectionConnected {
			return &copied, nil
		}
		if latest == nil || copied.CreatedAt.After(latest.CreatedAt) {
			latest = &copied
		}
	}
	if latest == nil {
		return nil, domain.ErrConnectionNotFound
	}
	return latest, nil
}

func (s *ConnectionStore) ResetAnswered(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.connections {
		if conn.SessionID == sessionID && conn.CurrentQuestionAnswered {
			conn.CurrentQuestionAnswered = false
			s.connections[id] = conn
		}
	}
	return nil
}

func (s *ConnectionStore) MarkAnswered(_ context.Context, sessionID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, conn := range s.connections {
		if conn.SessionID == sessionID && conn.ParticipantID == participantID {
			conn.CurrentQuestionAnswered = true
			s.connections[id] = conn
			found = true
		}
	}
	if !found {
		return domain.ErrConnectionNotFound
	}
	return nil
}

func (s *ConnectionStore) SessionIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for _, conn := range s.connections {
		if _, ok := seen[conn.SessionID]; ok {
			continue
		}
		seen[conn.SessionID] = struct{}{}
		ids = append(ids, conn.SessionID)
	}
	sort.Strings(ids)
	return ids, nil
}
