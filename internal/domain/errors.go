package domain

import "errors"

var (
	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrConnectionNotFound indicates an unknown connection token.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrInvalidTransition is state-machine misuse: the session is not in
	// the state the requested operation requires.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrSessionNotActive rejects submissions while a session is ready,
	// paused, or completed.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrDuplicateSubmission enforces at most one response per
	// (session, question, participant).
	ErrDuplicateSubmission = errors.New("answer already submitted for this question")
	// ErrInvalidAnswerFormat indicates a malformed answer for the question type.
	ErrInvalidAnswerFormat = errors.New("invalid answer format")
	// ErrBatchTooLarge rejects a whole batch above the configured bound.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	// ErrRateLimitExceeded is the routine throttling outcome.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrConnectionMismatch is returned when a heartbeat claims a
	// session/participant the connection does not belong to.
	ErrConnectionMismatch = errors.New("connection does not match session or participant")
	// ErrSubmissionTooLate is returned only when the hard late cutoff is
	// enabled; by default late answers are accepted and flagged.
	ErrSubmissionTooLate = errors.New("time is up, submission is too late")
)
