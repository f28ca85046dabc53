package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"livequiz-session-service/internal/domain"
)

// QuestionLoader fetches a session's question set from a backing store.
type QuestionLoader interface {
	LoadQuestionSet(ctx context.Context, sessionID string) (domain.QuestionSet, error)
}

// QuestionRepository caches question sets with TTL to avoid repeated DB hits
// on every submission. Questions are immutable once assigned, so a cached
// set never goes stale within its session.
type QuestionRepository struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedSet
}

type cachedSet struct {
	set       domain.QuestionSet
	expiresAt time.Time
}

func NewQuestionRepository(loader QuestionLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSet),
	}
}

func (r *QuestionRepository) QuestionSet(ctx context.Context, sessionID string) (domain.QuestionSet, error) {
	now := r.clock()

	r.mu.RLock()
	if entry, ok := r.cache[sessionID]; ok && entry.expiresAt.After(now) {
		r.mu.RUnlock()
		return entry.set, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.sf.Do(sessionID, func() (interface{}, error) {
		now := r.clock()
		r.mu.RLock()
		if entry, ok := r.cache[sessionID]; ok && entry.expiresAt.After(now) {
			r.mu.RUnlock()
			return entry.set, nil
		}
		r.mu.RUnlock()

		set, err := r.loader.LoadQuestionSet(ctx, sessionID)
		if err != nil {
			return domain.QuestionSet{}, err
		}

		r.mu.Lock()
		r.cache[sessionID] = cachedSet{
			set:       set,
			expiresAt: now.Add(r.ttlWithJitter()),
		}
		r.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return domain.QuestionSet{}, err
	}
	return result.(domain.QuestionSet), nil
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticQuestionLoader is a simple loader backed by an in-memory map
// (useful for tests/demos).
type StaticQuestionLoader struct {
	mu   sync.RWMutex
	sets map[string]domain.QuestionSet
}

func NewStaticQuestionLoader(sets map[string]domain.QuestionSet) *StaticQuestionLoader {
	if sets == nil {
		sets = make(map[string]domain.QuestionSet)
	}
	return &StaticQuestionLoader{sets: sets}
}

func (l *StaticQuestionLoader) LoadQuestionSet(_ context.Context, sessionID string) (domain.QuestionSet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if set, ok := l.sets[sessionID]; ok {
		return set, nil
	}
	return domain.QuestionSet{}, domain.ErrQuestionNotFound
}

// Assign binds a question set to a session, for demo seeding.
func (l *StaticQuestionLoader) Assign(sessionID string, set domain.QuestionSet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set.SessionID = sessionID
	l.sets[sessionID] = set
}
