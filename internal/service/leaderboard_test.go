package service

import (
	"context"
	"errors"
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
	"github.com/mathgame-leaderboard/internal/memstore"
)

type staticSource struct {
	items []domain.RankedAggregate
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (s *staticSource) TopAggregates(ctx context.Context, limit int) ([]domain.RankedAggregate, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.items) > limit {
		return s.items[:limit], nil
	}
	return s.items, nil
}

type failingDirectory struct{ domain.UserDirectory }

func (failingDirectory) LookupMany(ctx context.Context, ids []string) (map[string]domain.UserAccount, error) {
	return nil, errors.New("directory offline")
}

func testLeaderboardConfig() *config.LeaderboardConfig {
	cfg := config.DefaultConfig().Leaderboard
	return &cfg
}

// seedLeaderboard submits one round per score for fresh users and returns
// their IDs in submission order.
func seedLeaderboard(t *testing.T, store *memstore.AggregateStore, users *memstore.Directory, rounds []struct {
	score int64
	at    time.Time
}) []string {
	t.Helper()
	ids := make([]string, 0, len(rounds))
	for i, r := range rounds {
		id := uuid.NewString()
		users.Put(domain.UserAccount{ID: id, Username: "player" + string(rune('a'+i)), AvatarURL: "https://img/" + id})
		r := r
		_, err := store.MergeAggregate(context.Background(), id, func(current *domain.GameAggregate) (*domain.GameAggregate, error) {
			return domain.Merge(current, id, r.score, r.at, domain.DefaultWinThreshold), nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestTopOrdersAndExcludesZero(t *testing.T) {
	store := memstore.NewAggregateStore()
	users := memstore.NewDirectory()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ids := seedLeaderboard(t, store, users, []struct {
		score int64
		at    time.Time
	}{
		{50, base},
		{90, base},
		{90, base.Add(time.Hour)},
		{0, base},
		{10, base},
	})

	q := NewLeaderboardQuery(store, users, testLeaderboardConfig(), zaptest.NewLogger(t))
	entries, err := q.Top(context.Background(), 10)
	require.NoError(t, err)

	require.Len(t, entries, 4)
	assert.Equal(t, ids[2], entries[0].UserID, "same score, more recent first")
	assert.Equal(t, ids[1], entries[1].UserID)
	assert.Equal(t, ids[0], entries[2].UserID)
	assert.Equal(t, ids[4], entries[3].UserID)

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Rank)
		assert.NotEmpty(t, e.Username)
		assert.Equal(t, "https://img/"+e.UserID, e.AvatarURL)
	}
	assert.True(t, base.Add(time.Hour).Equal(entries[0].LastUpdated))
}

func TestTopClampsLimit(t *testing.T) {
	store := memstore.NewAggregateStore()
	users := memstore.NewDirectory()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rounds := make([]struct {
		score int64
		at    time.Time
	}, 120)
	for i := range rounds {
		rounds[i].score = int64(i + 1)
		rounds[i].at = base
	}
	seedLeaderboard(t, store, users, rounds)

	q := NewLeaderboardQuery(store, users, testLeaderboardConfig(), zaptest.NewLogger(t))

	tests := []struct {
		limit int
		want  int
	}{
		{0, 10},
		{-5, 10},
		{25, 25},
		{500, 100},
	}
	for _, tt := range tests {
		entries, err := q.Top(context.Background(), tt.limit)
		require.NoError(t, err)
		assert.Len(t, entries, tt.want, "limit %d", tt.limit)
		assert.Equal(t, int64(120), entries[0].HighScore)
	}
}

func TestTopDropsDeletedUsers(t *testing.T) {
	store := memstore.NewAggregateStore()
	users := memstore.NewDirectory()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ids := seedLeaderboard(t, store, users, []struct {
		score int64
		at    time.Time
	}{
		{300, base},
		{200, base},
		{100, base},
	})
	users.Remove(ids[0])

	q := NewLeaderboardQuery(store, users, testLeaderboardConfig(), zaptest.NewLogger(t))
	entries, err := q.Top(context.Background(), 10)
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, ids[1], entries[0].UserID)
	assert.Equal(t, int64(1), entries[0].Rank)
}

func TestTopReportsStoreUnavailable(t *testing.T) {
	t.Run("ranking source", func(t *testing.T) {
		src := &staticSource{err: errors.New("connection refused")}
		q := NewLeaderboardQuery(src, memstore.NewDirectory(), testLeaderboardConfig(), zaptest.NewLogger(t))

		_, err := q.Top(context.Background(), 10)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.Equal(t, int32(1), src.calls.Load(), "no internal retry")
	})

	t.Run("directory", func(t *testing.T) {
		src := &staticSource{items: []domain.RankedAggregate{{UserID: uuid.NewString(), HighScore: 5}}}
		q := NewLeaderboardQuery(src, failingDirectory{}, testLeaderboardConfig(), zaptest.NewLogger(t))

		_, err := q.Top(context.Background(), 10)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

func TestTopCollapsesConcurrentReads(t *testing.T) {
	id := uuid.NewString()
	src := &staticSource{
		items: []domain.RankedAggregate{{UserID: id, HighScore: 42}},
		gate:  make(chan struct{}),
	}
	users := memstore.NewDirectory(domain.UserAccount{ID: id, Username: "ada"})
	q := NewLeaderboardQuery(src, users, testLeaderboardConfig(), zaptest.NewLogger(t))

	const readers = 8
	var wg sync.WaitGroup
	results := make([][]domain.LeaderboardEntry, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries, err := q.Top(context.Background(), 10)
			assert.NoError(t, err)
			results[i] = entries
		}(i)
	}

	// Let the readers pile up on the in-flight call before releasing it.
	assert.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Less(t, src.calls.Load(), int32(readers))
	for _, entries := range results {
		require.Len(t, entries, 1)
		assert.Equal(t, "ada", entries[0].Username)
	}

	// Each caller owns its slice.
	results[0][0].Username = "mutated"
	assert.Equal(t, "ada", results[1][0].Username)
}

type blockingSource struct {
	items []domain.RankedAggregate
	calls atomic.Int32
	gate  chan struct{}
}

func (s *blockingSource) TopAggregates(ctx context.Context, limit int) ([]domain.RankedAggregate, error) {
	s.calls.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.gate:
		return s.items, nil
	}
}

func TestTopSharedReadSurvivesCallerCancel(t *testing.T) {
	id := uuid.NewString()
	src := &blockingSource{
		items: []domain.RankedAggregate{{UserID: id, HighScore: 42}},
		gate:  make(chan struct{}),
	}
	users := memstore.NewDirectory(domain.UserAccount{ID: id, Username: "ada"})
	q := NewLeaderboardQuery(src, users, testLeaderboardConfig(), zaptest.NewLogger(t))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := q.Top(firstCtx, 10)
		firstErr <- err
	}()
	assert.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		entries []domain.LeaderboardEntry
		err     error
	}
	second := make(chan result, 1)
	go func() {
		entries, err := q.Top(context.Background(), 10)
		second <- result{entries, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(src.gate)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		require.Len(t, res.entries, 1)
		assert.Equal(t, "ada", res.entries[0].Username)
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Equal(t, int32(1), src.calls.Load())
}
