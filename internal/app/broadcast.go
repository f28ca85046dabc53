package app

import (
	"sync"

	"livequiz-session-service/internal/domain"
)

// Broadcaster fans the current broadcast snapshot of each session out to
// subscribed clients. Slow subscribers never block publication.
type Broadcaster struct {
	mu          sync.RWMutex
	latest      map[string]domain.BroadcastSnapshot
	subscribers map[string]map[chan domain.BroadcastSnapshot]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		latest:      make(map[string]domain.BroadcastSnapshot),
		subscribers: make(map[string]map[chan domain.BroadcastSnapshot]struct{}),
	}
}

// Publish replaces the session's current snapshot and pushes it to all
// subscribers, dropping a stale queued update when a subscriber is behind.
func (b *Broadcaster) Publish(snapshot domain.BroadcastSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[snapshot.SessionID] = snapshot
	for ch := range b.subscribers[snapshot.SessionID] {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

// Latest returns the most recently published snapshot for the session.
func (b *Broadcaster) Latest(sessionID string) (domain.BroadcastSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snapshot, ok := b.latest[sessionID]
	return snapshot, ok
}

// Subscribe returns a channel receiving snapshot updates for the session,
// primed with the current snapshot if one exists. The caller must invoke the
// returned cancel function to avoid leaks.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan domain.BroadcastSnapshot, func()) {
	ch := make(chan domain.BroadcastSnapshot, 8)

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[chan domain.BroadcastSnapshot]struct{})
	}
	b.subscribers[sessionID][ch] = struct{}{}
	initial, hasInitial := b.latest[sessionID]
	b.mu.Unlock()

	if hasInitial {
		ch <- initial
	}

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.subscribers[sessionID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subscribers, sessionID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
