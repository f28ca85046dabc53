package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"livequiz-session-service/internal/domain"
	"livequiz-session-service/internal/observability"
)

const maxShortAnswerLength = 500

// CaptureConfig tunes the response capture engine.
type CaptureConfig struct {
	// MaxBatchSize bounds SubmitBatch; the whole batch is rejected above it.
	MaxBatchSize int
	// RejectLate turns the late-submission flag into a hard cutoff.
	RejectLate bool
}

// Submission is one answer from a participant. ClientTimestamp is optional;
// server time is used for lateness classification when it is zero.
type Submission struct {
	SessionID       string
	QuestionID      string
	ParticipantID   string
	Answer          string
	ClientTimestamp time.Time
}

// SubmitResult reports the outcome of an accepted submission, including the
// revealed correct answer and the engine's processing latency.
type SubmitResult struct {
	ResponseID          string  `json:"responseId"`
	IsCorrect           bool    `json:"isCorrect"`
	CorrectAnswer       string  `json:"correctAnswer"`
	IsLate              bool    `json:"isLate"`
	ResponseTimeSeconds float64 `json:"responseTimeSeconds"`
	LatencyMS           float64 `json:"latencyMs"`
}

// BatchItemResult is the per-item outcome of a batch, in input order.
type BatchItemResult struct {
	Index   int           `json:"index"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Result  *SubmitResult `json:"result,omitempty"`
}

// BatchResult summarizes a batch submission.
type BatchResult struct {
	Processed int               `json:"processed"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// ResponseCaptureEngine validates, deduplicates, grades, and persists
// submitted answers. Duplicate detection is delegated to the response store's
// reject-on-conflict insert so two concurrent submissions for the same
// (session, question, participant) cannot both land.
type ResponseCaptureEngine struct {
	sessions    SessionStore
	questions   QuestionRepository
	responses   ResponseStore
	connections ConnectionStore
	events      EventLog
	latency     *LatencyWindow
	metrics     *observability.Metrics
	cfg         CaptureConfig
	clock       func() time.Time
}

func NewResponseCaptureEngine(sessions SessionStore, questions QuestionRepository, responses ResponseStore, connections ConnectionStore, events EventLog, latency *LatencyWindow, cfg CaptureConfig) *ResponseCaptureEngine {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	return &ResponseCaptureEngine{
		sessions:    sessions,
		questions:   questions,
		responses:   responses,
		connections: connections,
		events:      events,
		latency:     latency,
		cfg:         cfg,
		clock:       time.Now,
	}
}

// WithMetrics attaches Prometheus instruments; safe to skip in tests.
func (e *ResponseCaptureEngine) WithMetrics(metrics *observability.Metrics) *ResponseCaptureEngine {
	e.metrics = metrics
	return e
}

// WithClock is test-only for deterministic timestamps.
func (e *ResponseCaptureEngine) WithClock(now func() time.Time) *ResponseCaptureEngine {
	e.clock = now
	return e
}

// Submit records a single answer. Late answers are accepted and flagged
// unless the hard cutoff is configured.
func (e *ResponseCaptureEngine) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	started := e.clock()

	session, err := e.sessions.Get(ctx, sub.SessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if session.Status != domain.StatusActive {
		e.countOutcome("not_active")
		return SubmitResult{}, fmt.Errorf("%w: session is %s", domain.ErrSessionNotActive, session.Status)
	}

	set, err := e.questions.QuestionSet(ctx, sub.SessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	question, ok := set.ByID(sub.QuestionID)
	if !ok {
		return SubmitResult{}, domain.ErrQuestionNotFound
	}

	if err := validateAnswer(question, sub.Answer); err != nil {
		e.countOutcome("invalid")
		return SubmitResult{}, err
	}

	response := e.buildResponse(session, question, sub)
	if e.cfg.RejectLate && response.IsLate {
		e.countOutcome("too_late")
		return SubmitResult{}, domain.ErrSubmissionTooLate
	}

	if err := e.responses.Insert(ctx, response); err != nil {
		if err == domain.ErrDuplicateSubmission {
			e.countOutcome("duplicate")
			e.logEvent(ctx, domain.EventDuplicateAnswer, sub.SessionID, sub.ParticipantID, map[string]string{"questionId": sub.QuestionID})
			return SubmitResult{}, err
		}
		return SubmitResult{}, fmt.Errorf("persist response: %w", err)
	}

	e.afterAccept(ctx, response)

	latencyMS := float64(e.clock().Sub(started).Microseconds()) / 1000.0
	e.observeLatency(latencyMS)
	e.countOutcome("accepted")

	return SubmitResult{
		ResponseID:          response.ID,
		IsCorrect:           response.IsCorrect,
		CorrectAnswer:       question.CorrectKey,
		IsLate:              response.IsLate,
		ResponseTimeSeconds: response.ResponseTimeSeconds,
		LatencyMS:           latencyMS,
	}, nil
}

// SubmitBatch applies the single-submission pipeline to every item with
// preloaded lookups, rejecting duplicates both against the store and within
// the batch. Persistence is one atomic unit of work: a storage failure rolls
// the whole batch back and surfaces with zero processed items.
func (e *ResponseCaptureEngine) SubmitBatch(ctx context.Context, items []Submission) (BatchResult, error) {
	if len(items) > e.cfg.MaxBatchSize {
		return BatchResult{}, fmt.Errorf("%w: %d items, maximum is %d", domain.ErrBatchTooLarge, len(items), e.cfg.MaxBatchSize)
	}

	started := e.clock()
	result := BatchResult{Items: make([]BatchItemResult, len(items))}

	sessions := make(map[string]*domain.Session)
	sets := make(map[string]domain.QuestionSet)
	keys := make([]domain.ResponseKey, 0, len(items))
	for _, item := range items {
		keys = append(keys, domain.ResponseKey{SessionID: item.SessionID, QuestionID: item.QuestionID, ParticipantID: item.ParticipantID})
		if _, ok := sessions[item.SessionID]; ok {
			continue
		}
		session, err := e.sessions.Get(ctx, item.SessionID)
		if err != nil {
			if err == domain.ErrSessionNotFound {
				sessions[item.SessionID] = nil
				continue
			}
			return BatchResult{}, err
		}
		sessions[item.SessionID] = session
		set, err := e.questions.QuestionSet(ctx, item.SessionID)
		if err != nil {
			return BatchResult{}, err
		}
		sets[item.SessionID] = set
	}

	taken, err := e.responses.ExistingKeys(ctx, keys)
	if err != nil {
		return BatchResult{}, fmt.Errorf("preload response keys: %w", err)
	}

	accepted := make([]*domain.Response, 0, len(items))
	for i, item := range items {
		itemResult := BatchItemResult{Index: i}

		response, question, err := e.prepareItem(sessions, sets, taken, item)
		if err != nil {
			itemResult.Error = err.Error()
			result.Items[i] = itemResult
			result.Failed++
			if err == domain.ErrDuplicateSubmission {
				e.logEvent(ctx, domain.EventDuplicateAnswer, item.SessionID, item.ParticipantID, map[string]string{"questionId": item.QuestionID})
			}
			continue
		}

		// Claim the key so later items in this batch are rejected as dups.
		taken[response.Key()] = true
		accepted = append(accepted, response)
		itemResult.Success = true
		itemResult.Result = &SubmitResult{
			ResponseID:          response.ID,
			IsCorrect:           response.IsCorrect,
			CorrectAnswer:       question.CorrectKey,
			IsLate:              response.IsLate,
			ResponseTimeSeconds: response.ResponseTimeSeconds,
		}
		result.Items[i] = itemResult
		result.Processed++
	}

	if len(accepted) > 0 {
		if err := e.responses.InsertBatch(ctx, accepted); err != nil {
			e.countOutcome("batch_failed")
			return BatchResult{}, fmt.Errorf("persist batch: %w", err)
		}
		for _, response := range accepted {
			e.afterAccept(ctx, response)
		}
	}

	latencyMS := float64(e.clock().Sub(started).Microseconds()) / 1000.0
	e.observeLatency(latencyMS)
	return result, nil
}

func (e *ResponseCaptureEngine) prepareItem(sessions map[string]*domain.Session, sets map[string]domain.QuestionSet, taken map[domain.ResponseKey]bool, item Submission) (*domain.Response, domain.Question, error) {
	session := sessions[item.SessionID]
	if session == nil {
		return nil, domain.Question{}, domain.ErrSessionNotFound
	}
	if session.Status != domain.StatusActive {
		return nil, domain.Question{}, fmt.Errorf("%w: session is %s", domain.ErrSessionNotActive, session.Status)
	}
	question, ok := sets[item.SessionID].ByID(item.QuestionID)
	if !ok {
		return nil, domain.Question{}, domain.ErrQuestionNotFound
	}
	if err := validateAnswer(question, item.Answer); err != nil {
		return nil, domain.Question{}, err
	}
	key := domain.ResponseKey{SessionID: item.SessionID, QuestionID: item.QuestionID, ParticipantID: item.ParticipantID}
	if taken[key] {
		return nil, domain.Question{}, domain.ErrDuplicateSubmission
	}
	response := e.buildResponse(session, question, item)
	if e.cfg.RejectLate && response.IsLate {
		return nil, domain.Question{}, domain.ErrSubmissionTooLate
	}
	return response, question, nil
}

func (e *ResponseCaptureEngine) buildResponse(session *domain.Session, question domain.Question, sub Submission) *domain.Response {
	now := e.clock()
	effective := sub.ClientTimestamp
	if effective.IsZero() {
		effective = now
	}
	deadline := session.QuestionStartedAt.Add(time.Duration(session.TimeLimitSeconds) * time.Second)

	return &domain.Response{
		ID:                  uuid.NewString(),
		SessionID:           session.ID,
		QuestionID:          question.ID,
		ParticipantID:       sub.ParticipantID,
		Answer:              sub.Answer,
		IsCorrect:           gradeAnswer(question, sub.Answer),
		IsLate:              effective.After(deadline),
		ResponseTimeSeconds: now.Sub(session.QuestionStartedAt).Seconds(),
		CreatedAt:           now,
	}
}

// afterAccept runs the post-persist side effects: answered flag and events.
// Both are best-effort; the response is already durable.
func (e *ResponseCaptureEngine) afterAccept(ctx context.Context, response *domain.Response) {
	if e.connections != nil {
		_ = e.connections.MarkAnswered(ctx, response.SessionID, response.ParticipantID)
	}
	e.logEvent(ctx, domain.EventResponseAccepted, response.SessionID, response.ParticipantID, map[string]string{
		"questionId": response.QuestionID,
		"correct":    fmt.Sprintf("%t", response.IsCorrect),
	})
	if response.IsLate {
		e.logEvent(ctx, domain.EventLateAnswer, response.SessionID, response.ParticipantID, map[string]string{"questionId": response.QuestionID})
	}
}

func (e *ResponseCaptureEngine) observeLatency(ms float64) {
	if e.latency != nil {
		e.latency.Observe(ms)
	}
	if e.metrics != nil {
		e.metrics.SubmitLatency.Observe(ms)
	}
}

func (e *ResponseCaptureEngine) countOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.Submissions.WithLabelValues(outcome).Inc()
	}
}

func (e *ResponseCaptureEngine) logEvent(ctx context.Context, eventType, sessionID, participantID string, detail map[string]string) {
	if e.events == nil {
		return
	}
	_ = e.events.Append(ctx, domain.Event{
		Type:          eventType,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Detail:        detail,
		At:            e.clock(),
	})
}

var trueTokens = map[string]bool{"true": true, "t": true, "yes": true, "1": true}
var falseTokens = map[string]bool{"false": true, "f": true, "no": true, "0": true}

// validateAnswer checks answer shape against the question type before any
// grading happens.
func validateAnswer(question domain.Question, answer string) error {
	trimmed := strings.TrimSpace(answer)
	switch question.Type {
	case domain.QuestionMultipleChoice:
		for _, opt := range question.Options {
			if strings.EqualFold(opt.Key, trimmed) {
				return nil
			}
		}
		return fmt.Errorf("%w: %q is not one of the option keys", domain.ErrInvalidAnswerFormat, answer)
	case domain.QuestionTrueFalse:
		lower := strings.ToLower(trimmed)
		if trueTokens[lower] || falseTokens[lower] {
			return nil
		}
		return fmt.Errorf("%w: %q is not a true/false value", domain.ErrInvalidAnswerFormat, answer)
	case domain.QuestionShortAnswer:
		if trimmed == "" {
			return fmt.Errorf("%w: answer is empty", domain.ErrInvalidAnswerFormat)
		}
		if len(trimmed) > maxShortAnswerLength {
			return fmt.Errorf("%w: answer exceeds %d characters", domain.ErrInvalidAnswerFormat, maxShortAnswerLength)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown question type %q", domain.ErrInvalidAnswerFormat, question.Type)
	}
}

// gradeAnswer compares against the correct key: case-insensitive exact match,
// with true/false value-class normalization ("t" matches "TRUE").
func gradeAnswer(question domain.Question, answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if question.Type == domain.QuestionTrueFalse {
		lower := strings.ToLower(trimmed)
		correct := strings.ToLower(strings.TrimSpace(question.CorrectKey))
		return trueTokens[lower] == trueTokens[correct] && falseTokens[lower] == falseTokens[correct]
	}
	return strings.EqualFold(trimmed, strings.TrimSpace(question.CorrectKey))
}
