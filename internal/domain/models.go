package domain

import "time"

// SessionStatus is the lifecycle state of a live quiz session.
type SessionStatus string

const (
	StatusReady     SessionStatus = "ready"
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
)

// Session is one live instance of a timed multi-question quiz.
// Timer state is split by status: while active, QuestionStartedAt anchors the
// countdown; while paused, TimerRemainingSeconds holds the frozen remainder
// and QuestionStartedAt is stale until resume re-anchors it.
type Session struct {
	ID                      string        `json:"id"`
	ActivityID              string        `json:"activityId"`
	Status                  SessionStatus `json:"status"`
	CurrentQuestionIndex    int           `json:"currentQuestionIndex"`
	NumQuestions            int           `json:"numQuestions"`
	TimeLimitSeconds        int           `json:"timeLimitSeconds"`
	QuestionStartedAt       time.Time     `json:"questionStartedAt"`
	PausedAt                time.Time     `json:"pausedAt,omitempty"`
	TimerRemainingSeconds   float64       `json:"timerRemainingSeconds,omitempty"`
	PauseAccumulatedSeconds float64       `json:"pauseAccumulatedSeconds"`
	CreatedAt               time.Time     `json:"createdAt"`
	CompletedAt             time.Time     `json:"completedAt,omitempty"`
}

// ValidTimerState reports whether the frozen-remaining field agrees with the
// status: a remaining value and pause stamp are carried only while paused.
func (s *Session) ValidTimerState() bool {
	if s.Status == StatusPaused {
		return !s.PausedAt.IsZero()
	}
	return s.TimerRemainingSeconds == 0 && s.PausedAt.IsZero()
}

// RemainingSeconds projects the live countdown at the given instant.
// Paused sessions report the frozen value; ready and completed sessions
// report zero.
func (s *Session) RemainingSeconds(now time.Time) float64 {
	switch s.Status {
	case StatusActive:
		remaining := float64(s.TimeLimitSeconds) - now.Sub(s.QuestionStartedAt).Seconds()
		if remaining < 0 {
			return 0
		}
		return remaining
	case StatusPaused:
		return s.TimerRemainingSeconds
	default:
		return 0
	}
}

// QuestionType tags how an answer is validated and graded.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
)

// Option is one selectable answer key for a multiple-choice question.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Question is immutable once assigned to a session.
type Question struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionId"`
	Position   int          `json:"position"`
	Text       string       `json:"text"`
	Options    []Option     `json:"options,omitempty"`
	CorrectKey string       `json:"correctKey"`
	Type       QuestionType `json:"type"`
}

// QuestionSet is the ordered question list for a session.
type QuestionSet struct {
	SessionID string     `json:"sessionId"`
	Questions []Question `json:"questions"`
}

// AtPosition returns the question at the given ordinal, if any.
func (qs QuestionSet) AtPosition(position int) (Question, bool) {
	for _, q := range qs.Questions {
		if q.Position == position {
			return q, true
		}
	}
	return Question{}, false
}

// ByID returns the question with the given ID, if any.
func (qs QuestionSet) ByID(id string) (Question, bool) {
	for _, q := range qs.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// QuestionView is the participant-facing projection of a question; the
// correct key is withheld until after submission.
type QuestionView struct {
	ID       string       `json:"id"`
	Position int          `json:"position"`
	Text     string       `json:"text"`
	Options  []Option     `json:"options,omitempty"`
	Type     QuestionType `json:"type"`
}

// View strips grading data from a question for broadcast.
func (q Question) View() QuestionView {
	return QuestionView{
		ID:       q.ID,
		Position: q.Position,
		Text:     q.Text,
		Options:  q.Options,
		Type:     q.Type,
	}
}

// Response is an accepted answer. Append-only: never mutated after creation.
type Response struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"sessionId"`
	QuestionID          string    `json:"questionId"`
	ParticipantID       string    `json:"participantId"`
	Answer              string    `json:"answer"`
	IsCorrect           bool      `json:"isCorrect"`
	IsLate              bool      `json:"isLate"`
	ResponseTimeSeconds float64   `json:"responseTimeSeconds"`
	CreatedAt           time.Time `json:"createdAt"`
}

// ResponseKey identifies the at-most-one-response uniqueness triple.
type ResponseKey struct {
	SessionID     string
	QuestionID    string
	ParticipantID string
}

// Key returns the uniqueness triple for a response.
func (r *Response) Key() ResponseKey {
	return ResponseKey{SessionID: r.SessionID, QuestionID: r.QuestionID, ParticipantID: r.ParticipantID}
}

// ConnectionStatus is the tracked liveness of a client connection.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Connection tracks one client's liveness within a session. Records are
// retained after disconnect for audit; a participant has at most one
// connected record at a time.
type Connection struct {
	ID                      string           `json:"id"`
	SessionID               string           `json:"sessionId"`
	ParticipantID           string           `json:"participantId"`
	Transport               string           `json:"transport"`
	Status                  ConnectionStatus `json:"status"`
	LastHeartbeatAt         time.Time        `json:"lastHeartbeatAt"`
	CurrentQuestionAnswered bool             `json:"currentQuestionAnswered"`
	CreatedAt               time.Time        `json:"createdAt"`
}

// ConnectionStats summarizes session liveness for dashboards.
type ConnectionStats struct {
	SessionID          string  `json:"sessionId"`
	Total              int     `json:"total"`
	Active             int     `json:"active"`
	Disconnected       int     `json:"disconnected"`
	Stale              int     `json:"stale"`
	AvgSubmitLatencyMS float64 `json:"avgSubmitLatencyMs"`
}

// BroadcastSnapshot is the publicly readable current state of a session that
// all connected clients observe.
type BroadcastSnapshot struct {
	SessionID            string        `json:"sessionId"`
	Status               SessionStatus `json:"status"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	Question             *QuestionView `json:"question,omitempty"`
	TimeLimitSeconds     int           `json:"timeLimitSeconds"`
	TimerRemaining       float64       `json:"timerRemaining"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// ClientState is the restoration payload for a reconnecting participant. It
// must match what the client would have observed had it never disconnected.
type ClientState struct {
	SessionID            string        `json:"sessionId"`
	Status               SessionStatus `json:"status"`
	CurrentQuestionIndex int           `json:"currentQuestionIndex"`
	Question             *QuestionView `json:"question,omitempty"`
	TimeLimitSeconds     int           `json:"timeLimitSeconds"`
	TimerRemaining       float64       `json:"timerRemaining"`
	HasAnswered          bool          `json:"hasAnswered"`
	ConnectionID         string        `json:"connectionId,omitempty"`
}

// Event types recorded in the append-only event log.
const (
	EventSessionStarted   = "session_started"
	EventSessionPaused    = "session_paused"
	EventSessionResumed   = "session_resumed"
	EventSessionAdvanced  = "session_advanced"
	EventSessionCompleted = "session_completed"
	EventResponseAccepted = "response_accepted"
	EventDuplicateAnswer  = "duplicate_answer"
	EventLateAnswer       = "late_answer"
	EventRateLimited      = "rate_limited"
	EventReconnection     = "reconnection"
	EventConnectionStale  = "connection_timeout"
)

// Event is one append-only record of a state transition or submission.
type Event struct {
	Type          string            `json:"type"`
	SessionID     string            `json:"sessionId"`
	ParticipantID string            `json:"participantId,omitempty"`
	Detail        map[string]string `json:"detail,omitempty"`
	At            time.Time         `json:"at"`
}
