package http

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"livequiz-session-service/internal/app"
	"livequiz-session-service/internal/domain"
)

// BroadcastHandler exposes the session's broadcast snapshot two ways: a
// polling GET endpoint and a websocket push feed. The transport is a
// pluggable surface; both read the same published snapshots.
type BroadcastHandler struct {
	coordinator *app.SessionCoordinator
	broadcaster *app.Broadcaster
	upgrader    websocket.Upgrader
}

func NewBroadcastHandler(coordinator *app.SessionCoordinator, broadcaster *app.Broadcaster) *BroadcastHandler {
	return &BroadcastHandler{
		coordinator: coordinator,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeBroadcast answers a polling client with the current snapshot,
// recomputing the live timer on every read.
func (h *BroadcastHandler) ServeBroadcast(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	snapshot, err := h.coordinator.CurrentState(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type outboundMessage struct {
	Type    string                   `json:"type"`
	Payload domain.BroadcastSnapshot `json:"payload"`
}

// ServeWS upgrades the request and streams broadcast snapshots until the
// client goes away. Writes are funneled through one goroutine so no two
// goroutines ever write the same connection.
func (h *BroadcastHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	if _, err := h.coordinator.CurrentState(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.broadcaster.Subscribe(sessionID)
	defer cancel()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: "broadcast", Payload: update}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	// Drain the client until it disconnects; the feed is one-way.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
