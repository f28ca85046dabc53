package memory

import (
	"context"
	"sync"

	"livequiz-session-service/internal/domain"
)

// EventLog is an in-memory append-only sink with a bounded buffer; the
// oldest events are dropped once the cap is reached.
type EventLog struct {
	mu     sync.RWMutex
	max    int
	events []domain.Event
}

func NewEventLog(max int) *EventLog {
	if max <= 0 {
		max = 4096
	}
	return &EventLog{max: max}
}

func (l *EventLog) Append(_ context.Context, event domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	return nil
}

// Events returns a copy of the buffered events, for tests and debugging.
func (l *EventLog) Events() []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out
}
