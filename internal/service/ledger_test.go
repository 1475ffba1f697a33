package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
	"github.com/mathgame-leaderboard/internal/lock"
	"github.com/mathgame-leaderboard/internal/memstore"
)

// fakeClock is a settable clock shared with the ledger
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// countingStore records how often the wrapped store is used and can inject
// conflicts.
type countingStore struct {
	AggregateStore
	merges    atomic.Int32
	conflicts atomic.Int32
	failWith  error
}

func (s *countingStore) MergeAggregate(ctx context.Context, userID string, fn func(*domain.GameAggregate) (*domain.GameAggregate, error)) (*domain.GameAggregate, error) {
	s.merges.Add(1)
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		return nil, domain.ErrConflict
	}
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.AggregateStore.MergeAggregate(ctx, userID, fn)
}

type recordingRanking struct {
	mu    sync.Mutex
	items []domain.RankedAggregate
	err   error
}

func (r *recordingRanking) Record(ctx context.Context, item domain.RankedAggregate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return r.err
}

type ledgerFixture struct {
	ledger *ScoreLedger
	store  *countingStore
	mem    *memstore.AggregateStore
	users  *memstore.Directory
	clock  *fakeClock
	userID string
}

func testGameConfig() *config.GameConfig {
	cfg := config.DefaultConfig().Game
	cfg.RetryDelay = time.Millisecond
	return &cfg
}

func newLedgerFixture(t *testing.T, opts ...LedgerOption) *ledgerFixture {
	t.Helper()

	mem := memstore.NewAggregateStore()
	store := &countingStore{AggregateStore: mem}
	userID := uuid.NewString()
	users := memstore.NewDirectory(domain.UserAccount{ID: userID, Username: "ada"})
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	opts = append([]LedgerOption{WithClock(clock.Now)}, opts...)
	ledger := NewScoreLedger(store, users, lock.NewKeyedMutex(), testGameConfig(), zaptest.NewLogger(t), opts...)

	return &ledgerFixture{
		ledger: ledger,
		store:  store,
		mem:    mem,
		users:  users,
		clock:  clock,
		userID: userID,
	}
}

func (f *ledgerFixture) submit(t *testing.T, score int64) *domain.SubmitResult {
	t.Helper()
	res, err := f.ledger.Submit(context.Background(), domain.Submission{UserID: f.userID, Score: score})
	require.NoError(t, err)
	return res
}

func TestSubmitHighScoreIsMonotonic(t *testing.T) {
	f := newLedgerFixture(t)

	var highest int64
	for i, score := range []int64{30, 80, 20, 80, 150, 0, 149} {
		res := f.submit(t, score)
		if score > highest {
			highest = score
		}
		assert.Equal(t, highest, res.HighScore)
		assert.Equal(t, int64(i+1), res.GamesPlayed)
		assert.Equal(t, score, res.LastGameScore)
	}
}

func TestSubmitWinsUseThreshold(t *testing.T) {
	f := newLedgerFixture(t)

	f.submit(t, 99)
	f.submit(t, 100)
	res := f.submit(t, 101)

	assert.Equal(t, int64(2), res.Wins)
	assert.Equal(t, int64(300), res.TotalScore)
}

func TestSubmitStreaks(t *testing.T) {
	f := newLedgerFixture(t)
	day := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	f.clock.Set(day)
	res := f.submit(t, 10)
	assert.Equal(t, 1, res.DailyStreak)

	f.clock.Set(day.Add(10 * time.Hour))
	res = f.submit(t, 10)
	assert.Equal(t, 1, res.DailyStreak, "same day")

	f.clock.Set(day.AddDate(0, 0, 1))
	res = f.submit(t, 10)
	assert.Equal(t, 2, res.DailyStreak, "next day")

	f.clock.Set(day.AddDate(0, 0, 2).Add(14 * time.Hour))
	res = f.submit(t, 10)
	assert.Equal(t, 3, res.DailyStreak, "next day late evening")
	assert.Equal(t, 3, res.BestStreak)

	f.clock.Set(day.AddDate(0, 0, 5))
	res = f.submit(t, 10)
	assert.Equal(t, 1, res.DailyStreak, "gap resets")
	assert.Equal(t, 3, res.BestStreak, "best survives reset")
}

func TestSubmitPlayedAtTolerance(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		playedAt time.Time
		want     time.Time
	}{
		{"recent past kept", now.Add(-2 * time.Minute), now.Add(-2 * time.Minute)},
		{"slight future kept", now.Add(30 * time.Second), now.Add(30 * time.Second)},
		{"old replaced", now.Add(-48 * time.Hour), now},
		{"far future replaced", now.Add(2 * time.Hour), now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLedgerFixture(t)
			f.clock.Set(now)

			playedAt := tt.playedAt
			res, err := f.ledger.Submit(context.Background(), domain.Submission{
				UserID:   f.userID,
				Score:    10,
				PlayedAt: &playedAt,
			})
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(res.LastPlayed), "got %s", res.LastPlayed)
		})
	}
}

func TestSubmitRejectsInvalidInputWithoutMutation(t *testing.T) {
	f := newLedgerFixture(t)
	f.submit(t, 40)
	before, err := f.mem.GetAggregate(context.Background(), f.userID)
	require.NoError(t, err)
	mergesBefore := f.store.merges.Load()

	tests := []struct {
		name    string
		sub     domain.Submission
		wantErr error
	}{
		{"negative score", domain.Submission{UserID: f.userID, Score: -1}, domain.ErrInvalidScore},
		{"score above max", domain.Submission{UserID: f.userID, Score: domain.DefaultMaxScore + 1}, domain.ErrInvalidScore},
		{"malformed user", domain.Submission{UserID: "not-a-uuid", Score: 10}, domain.ErrInvalidUser},
		{"unknown user", domain.Submission{UserID: uuid.NewString(), Score: 10}, domain.ErrInvalidUser},
		{"empty user", domain.Submission{Score: 10}, domain.ErrInvalidUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Submit(context.Background(), tt.sub)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, domain.IsValidationError(err))
		})
	}

	after, err := f.mem.GetAggregate(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, mergesBefore, f.store.merges.Load(), "store must not be touched")
}

func TestSubmitAcceptsUppercaseUserID(t *testing.T) {
	f := newLedgerFixture(t)

	_, err := f.ledger.Submit(context.Background(), domain.Submission{
		UserID: strings.ToUpper(f.userID),
		Score:  10,
	})
	require.NoError(t, err)

	agg, err := f.mem.GetAggregate(context.Background(), f.userID)
	require.NoError(t, err)
	require.NotNil(t, agg)
}

func TestSubmitConcurrentSameUser(t *testing.T) {
	f := newLedgerFixture(t)
	const submits = 100

	var wg sync.WaitGroup
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(score int64) {
			defer wg.Done()
			_, err := f.ledger.Submit(context.Background(), domain.Submission{UserID: f.userID, Score: score})
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	agg, err := f.mem.GetAggregate(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(submits), agg.GamesPlayed)
	assert.Equal(t, int64(submits-1), agg.HighScore)
	assert.Equal(t, int64(submits*(submits-1)/2), agg.TotalScore)
}

func TestSubmitRetriesConflicts(t *testing.T) {
	f := newLedgerFixture(t)
	f.store.conflicts.Store(2)

	res := f.submit(t, 10)

	assert.Equal(t, int32(3), f.store.merges.Load())
	assert.Equal(t, int64(1), res.GamesPlayed)
}

func TestSubmitGivesUpAfterMaxAttempts(t *testing.T) {
	f := newLedgerFixture(t)
	f.store.conflicts.Store(100)

	_, err := f.ledger.Submit(context.Background(), domain.Submission{UserID: f.userID, Score: 10})

	assert.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int32(3), f.store.merges.Load())

	agg, err := f.mem.GetAggregate(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Nil(t, agg)
}

func TestSubmitStoreErrorIsNotRetried(t *testing.T) {
	f := newLedgerFixture(t)
	f.store.failWith = errors.New("connection refused")

	_, err := f.ledger.Submit(context.Background(), domain.Submission{UserID: f.userID, Score: 10})

	assert.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.Equal(t, int32(1), f.store.merges.Load())
}

func TestSubmitCancelledContextIsNotApplied(t *testing.T) {
	f := newLedgerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.ledger.Submit(ctx, domain.Submission{UserID: f.userID, Score: 10})

	assert.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.ErrorIs(t, err, context.Canceled)

	agg, err := f.mem.GetAggregate(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Nil(t, agg)
}

func TestSubmitRecordsRanking(t *testing.T) {
	ranking := &recordingRanking{}
	f := newLedgerFixture(t, WithRanking(ranking))

	f.submit(t, 70)
	f.submit(t, 20)

	require.Len(t, ranking.items, 2)
	assert.Equal(t, f.userID, ranking.items[1].UserID)
	assert.Equal(t, int64(70), ranking.items[1].HighScore)
}

func TestSubmitSucceedsWhenRankingFails(t *testing.T) {
	ranking := &recordingRanking{err: errors.New("redis down")}
	f := newLedgerFixture(t, WithRanking(ranking))

	res := f.submit(t, 70)
	assert.Equal(t, int64(70), res.HighScore)
}

func TestStats(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	stats, err := f.ledger.Stats(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserStats{}, *stats)

	f.submit(t, 10)
	f.submit(t, 25)
	stats, err = f.ledger.Stats(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(18), stats.AvgScore)
	assert.Equal(t, int64(25), stats.HighScore)
	assert.Equal(t, int64(2), stats.GamesPlayed)
	require.NotNil(t, stats.LastPlayed)

	_, err = f.ledger.Stats(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
	_, err = f.ledger.Stats(ctx, "bogus")
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}
