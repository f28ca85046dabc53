package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livequiz-session-service/internal/app"
	"livequiz-session-service/internal/domain"
	"livequiz-session-service/internal/infra/memory"
)

type captureFixture struct {
	coordinator *app.SessionCoordinator
	capture     *app.ResponseCaptureEngine
	responses   *memory.ResponseStore
	events      *memory.EventLog
	clock       *fakeClock
	session     *domain.Session
}

func newCaptureFixture(t *testing.T, numQuestions, timeLimit int) *captureFixture {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	sessions := memory.NewSessionStore()
	connections := memory.NewConnectionStore()
	loader := memory.NewStaticQuestionLoader(nil)
	questions := memory.NewQuestionRepository(loader, time.Minute)
	responses := memory.NewResponseStore()
	events := memory.NewEventLog(0)

	coordinator := app.NewSessionCoordinatorWithClock(sessions, questions, connections, events, app.NewBroadcaster(), clock.Now)
	capture := app.NewResponseCaptureEngine(sessions, questions, responses, connections, events, app.NewLatencyWindow(0), app.CaptureConfig{MaxBatchSize: 5}).WithClock(clock.Now)

	session, err := coordinator.Create(context.Background(), "activity-1", numQuestions, timeLimit)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	loader.Assign(session.ID, mixedQuestionSet())
	if _, err := coordinator.Start(context.Background(), session.ID); err != nil {
		t.Fatalf("start session: %v", err)
	}

	return &captureFixture{
		coordinator: coordinator,
		capture:     capture,
		responses:   responses,
		events:      events,
		clock:       clock,
		session:     session,
	}
}

func mixedQuestionSet() domain.QuestionSet {
	return domain.QuestionSet{
		Questions: []domain.Question{
			{
				ID:       "q1",
				Position: 0,
				Text:     "What is 2 + 2?",
				Options: []domain.Option{
					{Key: "a", Text: "3"},
					{Key: "b", Text: "4"},
					{Key: "c", Text: "5"},
				},
				CorrectKey: "b",
				Type:       domain.QuestionMultipleChoice,
			},
			{
				ID:         "q2",
				Position:   1,
				Text:       "The sky is blue.",
				CorrectKey: "TRUE",
				Type:       domain.QuestionTrueFalse,
			},
			{
				ID:         "q3",
				Position:   2,
				Text:       "Name the capital of France.",
				CorrectKey: "Paris",
				Type:       domain.QuestionShortAnswer,
			},
		},
	}
}

func TestSubmitGradesAndRevealsAnswer(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	f.clock.Advance(4 * time.Second)
	result, err := f.capture.Submit(ctx, app.Submission{
		SessionID:     f.session.ID,
		QuestionID:    "q1",
		ParticipantID: "p1",
		Answer:        "B",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.IsCorrect || result.CorrectAnswer != "b" {
		t.Fatalf("expected case-insensitive correct match, got %+v", result)
	}
	if result.IsLate {
		t.Fatalf("submission within the limit must not be late")
	}
	if result.ResponseTimeSeconds != 4 {
		t.Fatalf("expected 4s response time, got %.1f", result.ResponseTimeSeconds)
	}
}

func TestSubmitTrueFalseValueClassNormalization(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	result, err := f.capture.Submit(ctx, app.Submission{
		SessionID:     f.session.ID,
		QuestionID:    "q2",
		ParticipantID: "p1",
		Answer:        "t",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.IsCorrect {
		t.Fatalf("expected \"t\" to match correct key %q", "TRUE")
	}
}

func TestSubmitValidatesAnswerFormat(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	cases := []app.Submission{
		{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "z"},
		{SessionID: f.session.ID, QuestionID: "q2", ParticipantID: "p1", Answer: "maybe"},
		{SessionID: f.session.ID, QuestionID: "q3", ParticipantID: "p1", Answer: "   "},
	}
	for i, sub := range cases {
		if _, err := f.capture.Submit(ctx, sub); !errors.Is(err, domain.ErrInvalidAnswerFormat) {
			t.Fatalf("case %d: expected format error, got %v", i, err)
		}
	}
}

func TestSubmitRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	sub := app.Submission{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"}
	if _, err := f.capture.Submit(ctx, sub); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := f.capture.Submit(ctx, sub); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestConcurrentDuplicateSubmissionsAdmitExactlyOne(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	var wg sync.WaitGroup
	var accepted, duplicated int32
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.capture.Submit(ctx, app.Submission{
				SessionID:     f.session.ID,
				QuestionID:    "q1",
				ParticipantID: "p1",
				Answer:        "b",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrDuplicateSubmission):
				duplicated++
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || duplicated != 15 {
		t.Fatalf("expected exactly one accepted submission, got accepted=%d duplicated=%d", accepted, duplicated)
	}
	stored, err := f.responses.BySession(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("list responses: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected exactly one persisted response, got %d", len(stored))
	}
}

func TestSubmitRejectedWhilePaused(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	if _, err := f.coordinator.Pause(ctx, f.session.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := f.capture.Submit(ctx, app.Submission{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"})
	if !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("expected not-active rejection while paused, got %v", err)
	}
}

func TestLateSubmissionAcceptedAndFlagged(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	f.clock.Advance(31 * time.Second)
	result, err := f.capture.Submit(ctx, app.Submission{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"})
	if err != nil {
		t.Fatalf("late submit: %v", err)
	}
	if !result.IsLate {
		t.Fatalf("expected late flag after the time limit")
	}

	lateLogged := false
	for _, event := range f.events.Events() {
		if event.Type == domain.EventLateAnswer {
			lateLogged = true
		}
	}
	if !lateLogged {
		t.Fatalf("expected a late-answer event")
	}
}

func TestSubmitUnknownSessionAndQuestion(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	_, err := f.capture.Submit(ctx, app.Submission{SessionID: "missing", QuestionID: "q1", ParticipantID: "p1", Answer: "b"})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session-not-found, got %v", err)
	}

	_, err = f.capture.Submit(ctx, app.Submission{SessionID: f.session.ID, QuestionID: "nope", ParticipantID: "p1", Answer: "b"})
	if !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question-not-found, got %v", err)
	}
}

func TestSubmitBatchOrderingAndIntraBatchDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	items := []app.Submission{
		{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"},
		{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p2", Answer: "a"},
		{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "c"}, // dup of item 0
		{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"}, // dup again
	}

	result, err := f.capture.SubmitBatch(ctx, items)
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if result.Processed != 2 || result.Failed != 2 {
		t.Fatalf("expected 2 processed / 2 failed, got %d/%d", result.Processed, result.Failed)
	}
	if len(result.Items) != 4 {
		t.Fatalf("expected per-item results in input order, got %d items", len(result.Items))
	}
	for i, item := range result.Items {
		if item.Index != i {
			t.Fatalf("item %d carries index %d", i, item.Index)
		}
	}
	if !result.Items[0].Success || !result.Items[1].Success {
		t.Fatalf("expected first two items accepted: %+v", result.Items)
	}
	if result.Items[2].Success || result.Items[3].Success {
		t.Fatalf("expected intra-batch duplicates rejected: %+v", result.Items)
	}
	if result.Items[1].Result == nil || result.Items[1].Result.IsCorrect {
		t.Fatalf("expected wrong answer graded incorrect, got %+v", result.Items[1].Result)
	}
}

func TestSubmitBatchDuplicateAgainstStore(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	if _, err := f.capture.Submit(ctx, app.Submission{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"}); err != nil {
		t.Fatalf("seed submit: %v", err)
	}

	result, err := f.capture.SubmitBatch(ctx, []app.Submission{
		{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"},
		{SessionID: f.session.ID, QuestionID: "q2", ParticipantID: "p1", Answer: "true"},
	})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("expected 1/1, got %d/%d", result.Processed, result.Failed)
	}
	if result.Items[0].Success {
		t.Fatalf("expected pre-existing response to reject item 0")
	}
}

func TestSubmitBatchTooLarge(t *testing.T) {
	ctx := context.Background()
	f := newCaptureFixture(t, 3, 30)

	items := make([]app.Submission, 6)
	for i := range items {
		items[i] = app.Submission{SessionID: f.session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"}
	}
	if _, err := f.capture.SubmitBatch(ctx, items); !errors.Is(err, domain.ErrBatchTooLarge) {
		t.Fatalf("expected batch-too-large, got %v", err)
	}
}

func TestHardLateCutoffWhenConfigured(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	sessions := memory.NewSessionStore()
	loader := memory.NewStaticQuestionLoader(nil)
	questions := memory.NewQuestionRepository(loader, time.Minute)
	coordinator := app.NewSessionCoordinatorWithClock(sessions, questions, memory.NewConnectionStore(), memory.NewEventLog(0), app.NewBroadcaster(), clock.Now)
	capture := app.NewResponseCaptureEngine(sessions, questions, memory.NewResponseStore(), nil, nil, nil, app.CaptureConfig{MaxBatchSize: 5, RejectLate: true}).WithClock(clock.Now)

	session, err := coordinator.Create(ctx, "activity-1", 1, 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loader.Assign(session.ID, mixedQuestionSet())
	if _, err := coordinator.Start(ctx, session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(11 * time.Second)
	_, err = capture.Submit(ctx, app.Submission{SessionID: session.ID, QuestionID: "q1", ParticipantID: "p1", Answer: "b"})
	if !errors.Is(err, domain.ErrSubmissionTooLate) {
		t.Fatalf("expected hard cutoff rejection, got %v", err)
	}
}
