package service

import (
	"context"

	"github.com/mathgame-leaderboard/internal/domain"
)

// AggregateStore persists one aggregate per user. MergeAggregate must run
// read, fn and write as one atomic unit and return domain.ErrConflict when
// the unit lost a race and may be retried.
type AggregateStore interface {
	MergeAggregate(ctx context.Context, userID string, fn func(current *domain.GameAggregate) (*domain.GameAggregate, error)) (*domain.GameAggregate, error)
	GetAggregate(ctx context.Context, userID string) (*domain.GameAggregate, error)
}

// Locker serializes work per key
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// RankingRecorder receives every committed aggregate's rank position
type RankingRecorder interface {
	Record(ctx context.Context, item domain.RankedAggregate) error
}

// RankingSource returns aggregates in leaderboard order
type RankingSource interface {
	TopAggregates(ctx context.Context, limit int) ([]domain.RankedAggregate, error)
}
