package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/mathgame-leaderboard/internal/domain"
	"github.com/mathgame-leaderboard/internal/lock"
)

// AggregateStore is an in-process aggregate store used when no database is
// configured. Merges on the same user are serialized by a keyed mutex.
type AggregateStore struct {
	mu         sync.RWMutex
	aggregates map[string]*domain.GameAggregate
	users      *lock.KeyedMutex
	now        func() time.Time
}

// NewAggregateStore creates an empty store
func NewAggregateStore() *AggregateStore {
	return &AggregateStore{
		aggregates: make(map[string]*domain.GameAggregate),
		users:      lock.NewKeyedMutex(),
		now:        time.Now,
	}
}

// MergeAggregate reads the user's aggregate, applies fn and stores the result
// as one atomic step. fn receives a copy; nil when the user has none yet.
func (s *AggregateStore) MergeAggregate(ctx context.Context, userID string, fn func(current *domain.GameAggregate) (*domain.GameAggregate, error)) (*domain.GameAggregate, error) {
	unlock, err := s.users.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	current := cloneAggregate(s.aggregates[userID])
	s.mu.RUnlock()

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := cloneAggregate(next)
	now := s.now().UTC()
	if current == nil {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.mu.Lock()
	s.aggregates[userID] = stored
	s.mu.Unlock()

	return cloneAggregate(stored), nil
}

// GetAggregate returns a copy of the user's aggregate, or nil if none exists
func (s *AggregateStore) GetAggregate(ctx context.Context, userID string) (*domain.GameAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAggregate(s.aggregates[userID]), nil
}

// TopAggregates returns the best-ranked aggregates with a positive high score
func (s *AggregateStore) TopAggregates(ctx context.Context, limit int) ([]domain.RankedAggregate, error) {
	items := s.ranked()
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// AllRanked returns every aggregate with a positive high score in rank order
func (s *AggregateStore) AllRanked(ctx context.Context) ([]domain.RankedAggregate, error) {
	return s.ranked(), nil
}

// Ping always succeeds
func (s *AggregateStore) Ping(ctx context.Context) error {
	return nil
}

func (s *AggregateStore) ranked() []domain.RankedAggregate {
	s.mu.RLock()
	items := make([]domain.RankedAggregate, 0, len(s.aggregates))
	for _, agg := range s.aggregates {
		if agg.HighScore <= 0 {
			continue
		}
		items = append(items, domain.RankedAggregate{
			UserID:     agg.UserID,
			HighScore:  agg.HighScore,
			LastPlayed: agg.LastPlayed,
		})
	}
	s.mu.RUnlock()

	domain.SortRanked(items)
	return items
}

func cloneAggregate(a *domain.GameAggregate) *domain.GameAggregate {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
