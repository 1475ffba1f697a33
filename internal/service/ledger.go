package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
)

// LedgerOption customizes a ScoreLedger
type LedgerOption func(*ScoreLedger)

// WithClock replaces the wall clock used to date submissions
func WithClock(now func() time.Time) LedgerOption {
	return func(l *ScoreLedger) {
		l.now = now
	}
}

// WithRanking projects every committed aggregate into a ranking cache
func WithRanking(r RankingRecorder) LedgerOption {
	return func(l *ScoreLedger) {
		l.ranking = r
	}
}

// ScoreLedger merges finished rounds into per-user aggregates
type ScoreLedger struct {
	store   AggregateStore
	users   domain.UserDirectory
	locker  Locker
	ranking RankingRecorder
	cfg     config.GameConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewScoreLedger creates a new score ledger
func NewScoreLedger(
	store AggregateStore,
	users domain.UserDirectory,
	locker Locker,
	cfg *config.GameConfig,
	logger *zap.Logger,
	opts ...LedgerOption,
) *ScoreLedger {
	l := &ScoreLedger{
		store:  store,
		users:  users,
		locker: locker,
		cfg:    *cfg,
		now:    time.Now,
		logger: logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.MaxSubmitAttempts < 1 {
		l.cfg.MaxSubmitAttempts = 1
	}
	return l
}

// Submit validates a finished round and merges it into the user's aggregate.
// Validation failures return domain.ErrInvalidScore or domain.ErrInvalidUser
// before the store is touched; anything that prevents the commit returns
// domain.ErrSubmissionFailed.
func (l *ScoreLedger) Submit(ctx context.Context, sub domain.Submission) (*domain.SubmitResult, error) {
	if sub.Score < 0 || sub.Score > l.cfg.MaxScore {
		return nil, domain.ErrInvalidScore
	}

	userID, err := l.resolveUser(ctx, sub.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidUser) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
	}

	playedAt := l.resolvePlayedAt(sub.PlayedAt)

	if l.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.SubmitTimeout)
		defer cancel()
	}

	unlock, err := l.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring user lock: %w", domain.ErrSubmissionFailed, err)
	}
	defer unlock()

	agg, err := l.mergeWithRetry(ctx, userID, sub.Score, playedAt)
	if err != nil {
		l.logger.Warn("submission failed",
			zap.String("user_id", userID),
			zap.Int64("score", sub.Score),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
	}

	if l.ranking != nil {
		item := domain.RankedAggregate{UserID: agg.UserID, HighScore: agg.HighScore, LastPlayed: agg.LastPlayed}
		if err := l.ranking.Record(ctx, item); err != nil {
			// The sync worker rebuilds the ranking from the store.
			l.logger.Warn("failed to record ranking", zap.String("user_id", userID), zap.Error(err))
		}
	}

	result := agg.Result()
	return &result, nil
}

// Stats returns profile statistics for a user; zero values when the user
// has not played yet.
func (l *ScoreLedger) Stats(ctx context.Context, rawUserID string) (*domain.UserStats, error) {
	userID, err := l.resolveUser(ctx, rawUserID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidUser) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	agg, err := l.store.GetAggregate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	stats := agg.Stats()
	return &stats, nil
}

func (l *ScoreLedger) resolveUser(ctx context.Context, raw string) (string, error) {
	userID, ok := domain.NormalizeUserID(raw)
	if !ok {
		return "", domain.ErrInvalidUser
	}

	exists, err := l.users.Exists(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("checking user: %w", err)
	}
	if !exists {
		return "", domain.ErrInvalidUser
	}
	return userID, nil
}

// resolvePlayedAt trusts a client timestamp only close to server time
func (l *ScoreLedger) resolvePlayedAt(claimed *time.Time) time.Time {
	now := l.now().UTC()
	if claimed == nil {
		return now
	}

	at := claimed.UTC()
	if at.Before(now.Add(-l.cfg.PlayedAtPastTolerance)) || at.After(now.Add(l.cfg.PlayedAtFutureTolerance)) {
		l.logger.Debug("played_at outside tolerance, using server time",
			zap.Time("played_at", at),
			zap.Time("now", now),
		)
		return now
	}
	return at
}

func (l *ScoreLedger) mergeWithRetry(ctx context.Context, userID string, score int64, playedAt time.Time) (*domain.GameAggregate, error) {
	merge := func(current *domain.GameAggregate) (*domain.GameAggregate, error) {
		return domain.Merge(current, userID, score, playedAt, l.cfg.WinThreshold), nil
	}

	delay := l.cfg.RetryDelay
	for attempt := 1; ; attempt++ {
		agg, err := l.store.MergeAggregate(ctx, userID, merge)
		if err == nil {
			return agg, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= l.cfg.MaxSubmitAttempts {
			return nil, err
		}

		l.logger.Debug("aggregate conflict, retrying",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
