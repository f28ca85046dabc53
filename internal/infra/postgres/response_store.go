package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"livequiz-session-service/internal/domain"
)

// responseRow maps domain.Response onto the responses table. The unique
// index on (session_id, question_id, participant_id) enforces the
// deduplication invariant inside the database itself.
type responseRow struct {
	bun.BaseModel `bun:"table:responses"`

	ID                  string    `bun:"id,pk"`
	SessionID           string    `bun:"session_id,notnull"`
	QuestionID          string    `bun:"question_id,notnull"`
	ParticipantID       string    `bun:"participant_id,notnull"`
	Answer              string    `bun:"answer,notnull"`
	IsCorrect           bool      `bun:"is_correct,notnull"`
	IsLate              bool      `bun:"is_late,notnull"`
	ResponseTimeSeconds float64   `bun:"response_time_seconds,notnull"`
	CreatedAt           time.Time `bun:"created_at,notnull"`
}

func rowFromResponse(r *domain.Response) *responseRow {
	return &responseRow{
		ID:                  r.ID,
		SessionID:           r.SessionID,
		QuestionID:          r.QuestionID,
		ParticipantID:       r.ParticipantID,
		Answer:              r.Answer,
		IsCorrect:           r.IsCorrect,
		IsLate:              r.IsLate,
		ResponseTimeSeconds: r.ResponseTimeSeconds,
		CreatedAt:           r.CreatedAt,
	}
}

// ResponseStore persists responses with bun. Duplicate detection is
// reject-on-conflict, never check-then-act.
type ResponseStore struct {
	db *bun.DB
}

func NewResponseStore(db *bun.DB) *ResponseStore {
	return &ResponseStore{db: db}
}

func (s *ResponseStore) Insert(ctx context.Context, response *domain.Response) error {
	res, err := s.db.NewInsert().
		Model(rowFromResponse(response)).
		On("CONFLICT (session_id, question_id, participant_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	if affected == 0 {
		return domain.ErrDuplicateSubmission
	}
	return nil
}

func (s *ResponseStore) InsertBatch(ctx context.Context, responses []*domain.Response) error {
	if len(responses) == 0 {
		return nil
	}
	rows := make([]*responseRow, 0, len(responses))
	for _, response := range responses {
		rows = append(rows, rowFromResponse(response))
	}
	// One transaction: either every row lands or none do. A conflicting
	// submission that raced in after the caller's pre-check surfaces as a
	// unique violation here and keeps the duplicate sentinel.
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateSubmission
			}
			return fmt.Errorf("insert batch: %w", err)
		}
		return nil
	})
}

// isUniqueViolation reports whether err is Postgres SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}

func (s *ResponseStore) ExistingKeys(ctx context.Context, keys []domain.ResponseKey) (map[domain.ResponseKey]bool, error) {
	existing := make(map[domain.ResponseKey]bool)
	if len(keys) == 0 {
		return existing, nil
	}

	sessionIDs := make(map[string]struct{})
	for _, key := range keys {
		sessionIDs[key.SessionID] = struct{}{}
	}
	ids := make([]string, 0, len(sessionIDs))
	for id := range sessionIDs {
		ids = append(ids, id)
	}

	var rows []responseRow
	err := s.db.NewSelect().
		Model(&rows).
		Column("session_id", "question_id", "participant_id").
		Where("session_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load existing keys: %w", err)
	}

	wanted := make(map[domain.ResponseKey]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}
	for _, row := range rows {
		key := domain.ResponseKey{SessionID: row.SessionID, QuestionID: row.QuestionID, ParticipantID: row.ParticipantID}
		if wanted[key] {
			existing[key] = true
		}
	}
	return existing, nil
}
