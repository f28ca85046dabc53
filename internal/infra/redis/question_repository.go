package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"livequiz-session-service/internal/domain"
)

// QuestionLoader fetches a session's question set from a backing store.
type QuestionLoader interface {
	LoadQuestionSet(ctx context.Context, sessionID string) (domain.QuestionSet, error)
}

// QuestionRepository caches question sets in Redis (JSON per session) and
// falls back to a loader on cache miss. The cache is a pure read-through
// accelerator; the loader's store stays the source of truth.
type QuestionRepository struct {
	client *redis.Client
	loader QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionRepository(client *redis.Client, loader QuestionLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuestionRepository) QuestionSet(ctx context.Context, sessionID string) (domain.QuestionSet, error) {
	key := r.key(sessionID)

	if set, ok := r.fromCache(ctx, key); ok {
		return set, nil
	}

	result, err, _ := r.sf.Do(sessionID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if set, ok := r.fromCache(ctx, key); ok {
			return set, nil
		}

		set, err := r.loader.LoadQuestionSet(ctx, sessionID)
		if err != nil {
			return domain.QuestionSet{}, err
		}

		if data, err := json.Marshal(set); err == nil {
			_ = r.client.Set(ctx, key, data, r.ttlWithJitter()).Err()
		}
		return set, nil
	})
	if err != nil {
		return domain.QuestionSet{}, err
	}
	return result.(domain.QuestionSet), nil
}

func (r *QuestionRepository) fromCache(ctx context.Context, key string) (domain.QuestionSet, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil || len(data) == 0 {
		return domain.QuestionSet{}, false
	}
	var set domain.QuestionSet
	if err := json.Unmarshal(data, &set); err != nil {
		return domain.QuestionSet{}, false
	}
	return set, true
}

func (r *QuestionRepository) key(sessionID string) string {
	return "session:" + sessionID + ":questions"
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
