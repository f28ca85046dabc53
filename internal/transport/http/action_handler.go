package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"livequiz-session-service/internal/app"
	"livequiz-session-service/internal/domain"
)

// ActionHandler serves the per-session write-action endpoint. Write actions
// pass through the rate limiter; getstatus, reconnect, and heartbeat are
// unthrottled.
type ActionHandler struct {
	coordinator *app.SessionCoordinator
	capture     *app.ResponseCaptureEngine
	heartbeats  *app.HeartbeatTracker
	limiter     *app.RateLimiter
	events      app.EventLog
}

func NewActionHandler(coordinator *app.SessionCoordinator, capture *app.ResponseCaptureEngine, heartbeats *app.HeartbeatTracker, limiter *app.RateLimiter, events app.EventLog) *ActionHandler {
	return &ActionHandler{
		coordinator: coordinator,
		capture:     capture,
		heartbeats:  heartbeats,
		limiter:     limiter,
		events:      events,
	}
}

type actionRequest struct {
	Action          string        `json:"action"`
	SessionID       string        `json:"sessionid"`
	ParticipantID   string        `json:"participantid"`
	ConnectionID    string        `json:"connectionid"`
	QuestionID      string        `json:"questionid"`
	Answer          string        `json:"answer"`
	Transport       string        `json:"transport"`
	ClientTimestamp int64         `json:"clienttimestamp,omitempty"` // ms epoch
	Responses       []batchedItem `json:"responses,omitempty"`
}

type batchedItem struct {
	SessionID       string `json:"sessionid,omitempty"`
	QuestionID      string `json:"questionid"`
	ParticipantID   string `json:"participantid,omitempty"`
	Answer          string `json:"answer"`
	ClientTimestamp int64  `json:"clienttimestamp,omitempty"`
}

var throttledActions = map[string]bool{
	"submitanswer": true,
	"submitbatch":  true,
	"pause":        true,
	"resume":       true,
	"start":        true,
	"advance":      true,
}

// ServeAction dispatches one action request.
func (h *ActionHandler) ServeAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}
	if req.Action == "" || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "action and sessionid are required"})
		return
	}

	if throttledActions[req.Action] && h.limiter != nil {
		identity := req.ParticipantID
		if identity == "" {
			identity = req.SessionID
		}
		decision := h.limiter.Check(identity, req.Action)
		setRateLimitHeaders(w, decision)
		if !decision.Allowed {
			// Routine outcome: recorded as an event, never error-logged.
			if h.events != nil {
				_ = h.events.Append(r.Context(), domain.Event{
					Type:          domain.EventRateLimited,
					SessionID:     req.SessionID,
					ParticipantID: req.ParticipantID,
					Detail:        map[string]string{"action": req.Action},
					At:            time.Now(),
				})
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.ResetIn.Seconds()+0.5)))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"success":        false,
				"error":          domain.ErrRateLimitExceeded.Error(),
				"resetinseconds": decision.ResetIn.Seconds(),
			})
			return
		}
	}

	switch req.Action {
	case "submitanswer":
		h.submitAnswer(w, r, req)
	case "submitbatch":
		h.submitBatch(w, r, req)
	case "start":
		h.transition(w, r, req, h.coordinator.Start)
	case "advance":
		h.transition(w, r, req, h.coordinator.Advance)
	case "pause":
		h.transition(w, r, req, h.coordinator.Pause)
	case "resume":
		h.transition(w, r, req, h.coordinator.Resume)
	case "getstatus":
		h.getStatus(w, r, req)
	case "reconnect":
		h.reconnect(w, r, req)
	case "heartbeat":
		h.heartbeat(w, r, req)
	case "connectionstats":
		h.connectionStats(w, r, req)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": fmt.Sprintf("unsupported action %q", req.Action)})
	}
}

func (h *ActionHandler) submitAnswer(w http.ResponseWriter, r *http.Request, req actionRequest) {
	result, err := h.capture.Submit(r.Context(), app.Submission{
		SessionID:       req.SessionID,
		QuestionID:      req.QuestionID,
		ParticipantID:   req.ParticipantID,
		Answer:          req.Answer,
		ClientTimestamp: timestampFromMillis(req.ClientTimestamp),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"iscorrect":     result.IsCorrect,
		"correctanswer": result.CorrectAnswer,
		"islate":        result.IsLate,
		"responsetime":  result.ResponseTimeSeconds,
		"latencyms":     result.LatencyMS,
	})
}

func (h *ActionHandler) submitBatch(w http.ResponseWriter, r *http.Request, req actionRequest) {
	items := make([]app.Submission, 0, len(req.Responses))
	for _, item := range req.Responses {
		sessionID := item.SessionID
		if sessionID == "" {
			sessionID = req.SessionID
		}
		participantID := item.ParticipantID
		if participantID == "" {
			participantID = req.ParticipantID
		}
		items = append(items, app.Submission{
			SessionID:       sessionID,
			QuestionID:      item.QuestionID,
			ParticipantID:   participantID,
			Answer:          item.Answer,
			ClientTimestamp: timestampFromMillis(item.ClientTimestamp),
		})
	}

	result, err := h.capture.SubmitBatch(r.Context(), items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": result.Processed,
		"failed":    result.Failed,
		"results":   result.Items,
	})
}

func (h *ActionHandler) transition(w http.ResponseWriter, r *http.Request, req actionRequest, op func(ctx context.Context, id string) (*domain.Session, error)) {
	session, err := op(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":              true,
		"status":               session.Status,
		"currentquestionindex": session.CurrentQuestionIndex,
		"timerremaining":       session.RemainingSeconds(time.Now()),
	})
}

func (h *ActionHandler) getStatus(w http.ResponseWriter, r *http.Request, req actionRequest) {
	snapshot, err := h.coordinator.CurrentState(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": snapshot})
}

// reconnect registers a fresh connection for the participant and returns the
// full restored client state.
func (h *ActionHandler) reconnect(w http.ResponseWriter, r *http.Request, req actionRequest) {
	if req.ParticipantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "participantid is required"})
		return
	}
	transport := req.Transport
	if transport == "" {
		transport = "poll"
	}

	state, err := h.coordinator.ClientState(r.Context(), req.SessionID, req.ParticipantID)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := h.heartbeats.Register(r.Context(), req.SessionID, req.ParticipantID, transport)
	if err != nil {
		writeError(w, err)
		return
	}
	state.ConnectionID = conn.ID
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": state})
}

func (h *ActionHandler) heartbeat(w http.ResponseWriter, r *http.Request, req actionRequest) {
	if err := h.heartbeats.Heartbeat(r.Context(), req.ConnectionID, req.SessionID, req.ParticipantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *ActionHandler) connectionStats(w http.ResponseWriter, r *http.Request, req actionRequest) {
	stats, err := h.heartbeats.ConnectionStats(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func setRateLimitHeaders(w http.ResponseWriter, decision app.Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", int(decision.ResetIn.Seconds()+0.5)))
}

func timestampFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// writeError maps domain errors onto HTTP statuses without leaking
// implementation detail for unexpected failures.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrConnectionNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrDuplicateSubmission),
		errors.Is(err, domain.ErrSubmissionTooLate):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidAnswerFormat),
		errors.Is(err, domain.ErrBatchTooLarge):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrConnectionMismatch):
		status, message = http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrRateLimitExceeded):
		status, message = http.StatusTooManyRequests, err.Error()
	default:
		log.Printf("action failed: %v", err)
	}

	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write response: %v", err)
	}
}
