package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"livequiz-session-service/internal/domain"
)

// QuestionLoader loads question-set JSONB from Postgres.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadQuestionSet(ctx context.Context, sessionID string) (domain.QuestionSet, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM question_sets WHERE session_id=$1`, sessionID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return domain.QuestionSet{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.QuestionSet{}, fmt.Errorf("load question set: %w", err)
	}
	var set domain.QuestionSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return domain.QuestionSet{}, fmt.Errorf("unmarshal question set: %w", err)
	}
	set.SessionID = sessionID
	return set, nil
}
