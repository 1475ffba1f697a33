package service

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
)

// LeaderboardQuery serves the ranked top-N with display fields joined in
type LeaderboardQuery struct {
	source RankingSource
	users  domain.UserDirectory
	config config.LeaderboardConfig
	group  singleflight.Group
	logger *zap.Logger
}

// NewLeaderboardQuery creates a new leaderboard query service
func NewLeaderboardQuery(
	source RankingSource,
	users domain.UserDirectory,
	cfg *config.LeaderboardConfig,
	logger *zap.Logger,
) *LeaderboardQuery {
	return &LeaderboardQuery{
		source: source,
		users:  users,
		config: *cfg,
		logger: logger.Named("leaderboard"),
	}
}

// Top returns up to limit ranked entries. Identical concurrent reads share
// one store round trip that outlives any single caller's context; each caller
// still stops waiting when its own ctx is done. Any failure is reported as
// domain.ErrStoreUnavailable.
func (q *LeaderboardQuery) Top(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	limit = domain.ClampLimit(limit, q.config.DefaultLimit, q.config.MaxLimit)

	ch := q.group.DoChan(strconv.Itoa(limit), func() (interface{}, error) {
		loadCtx := context.WithoutCancel(ctx)
		if q.config.QueryTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, q.config.QueryTimeout)
			defer cancel()
		}
		return q.load(loadCtx, limit)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		q.logger.Warn("leaderboard read failed", zap.Int("limit", limit), zap.Error(res.Err))
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, res.Err)
	}

	shared := res.Val.([]domain.LeaderboardEntry)
	entries := make([]domain.LeaderboardEntry, len(shared))
	copy(entries, shared)
	return entries, nil
}

func (q *LeaderboardQuery) load(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	ranked, err := q.source.TopAggregates(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("reading ranking: %w", err)
	}

	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.UserID)
	}

	accounts, err := q.users.LookupMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("looking up users: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(ranked))
	for _, r := range ranked {
		if r.HighScore <= 0 {
			continue
		}
		account, ok := accounts[r.UserID]
		if !ok {
			continue
		}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:        int64(len(entries) + 1),
			UserID:      r.UserID,
			Username:    account.Username,
			AvatarURL:   account.AvatarURL,
			HighScore:   r.HighScore,
			LastUpdated: r.LastPlayed,
		})
	}
	return entries, nil
}
