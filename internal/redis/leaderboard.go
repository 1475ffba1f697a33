package redis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
)

// scoreShift leaves room for a unix-seconds timestamp below the high score
// in a single sorted-set score.
const scoreShift = 1e10

// rebuildChunk bounds the members sent in one ZADD during a rebuild
const rebuildChunk = 500

// NewClient creates a Redis client and checks the connection
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Ranking keeps the leaderboard order in a sorted set. Members are user IDs
// and the score packs highScore and lastPlayed so that ZREVRANGE returns
// rank order directly.
type Ranking struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRanking creates a ranking cache under the given key prefix
func NewRanking(client *redis.Client, prefix string, logger *zap.Logger) *Ranking {
	return &Ranking{
		client: client,
		prefix: prefix,
		logger: logger.Named("ranking"),
	}
}

// rankingKey returns the Redis key for the ranking sorted set
func (r *Ranking) rankingKey() string {
	return fmt.Sprintf("%s:leaderboard:ranking", r.prefix)
}

// journalKey holds every position recorded since the last rebuild. Rebuild
// replays it over its snapshot so writes that raced the snapshot survive.
func (r *Ranking) journalKey() string {
	return fmt.Sprintf("%s:leaderboard:journal", r.prefix)
}

// swapRankingScript installs the scratch set as the live ranking and merges
// the journal over it, keeping the higher score per member.
// KEYS[1] live ranking, KEYS[2] scratch set, KEYS[3] journal.
var swapRankingScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	redis.call("RENAME", KEYS[2], KEYS[1])
else
	redis.call("DEL", KEYS[1])
end
if redis.call("EXISTS", KEYS[3]) == 1 then
	redis.call("ZUNIONSTORE", KEYS[1], "2", KEYS[1], KEYS[3], "AGGREGATE", "MAX")
	redis.call("DEL", KEYS[3])
end
return redis.call("ZCARD", KEYS[1])
`)

// EncodeScore packs a ranked aggregate into a sorted-set score
func EncodeScore(highScore int64, lastPlayed time.Time) float64 {
	secs := lastPlayed.Unix()
	if secs < 0 {
		secs = 0
	}
	return float64(highScore)*scoreShift + float64(secs)
}

// DecodeScore reverses EncodeScore
func DecodeScore(score float64) (int64, time.Time) {
	high := math.Floor(score / scoreShift)
	secs := score - high*scoreShift
	return int64(high), time.Unix(int64(secs), 0).UTC()
}

// Record stores the user's current rank position. Aggregates without a
// positive high score are removed from the ranking.
func (r *Ranking) Record(ctx context.Context, item domain.RankedAggregate) error {
	if item.HighScore <= 0 {
		return r.Remove(ctx, item.UserID)
	}

	// Positions only grow, so GT keeps a late write from moving a user back.
	member := redis.Z{
		Score:  EncodeScore(item.HighScore, item.LastPlayed),
		Member: item.UserID,
	}
	pipe := r.client.TxPipeline()
	pipe.ZAddGT(ctx, r.rankingKey(), member)
	pipe.ZAddGT(ctx, r.journalKey(), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording rank: %w", err)
	}
	return nil
}

// Remove drops a user from the ranking
func (r *Ranking) Remove(ctx context.Context, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.rankingKey(), userID)
	pipe.ZRem(ctx, r.journalKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing rank: %w", err)
	}
	return nil
}

// TopAggregates returns the first limit entries in rank order
func (r *Ranking) TopAggregates(ctx context.Context, limit int) ([]domain.RankedAggregate, error) {
	if limit <= 0 {
		return nil, nil
	}

	results, err := r.client.ZRevRangeWithScores(ctx, r.rankingKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	items := make([]domain.RankedAggregate, 0, len(results))
	for _, result := range results {
		member, ok := result.Member.(string)
		if !ok {
			continue
		}
		high, lastPlayed := DecodeScore(result.Score)
		items = append(items, domain.RankedAggregate{
			UserID:     member,
			HighScore:  high,
			LastPlayed: lastPlayed,
		})
	}

	// Redis breaks exact ties by member descending.
	domain.SortRanked(items)
	return items, nil
}

// Count returns the number of ranked users
func (r *Ranking) Count(ctx context.Context) (int64, error) {
	count, err := r.client.ZCard(ctx, r.rankingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// Rebuild replaces the ranking with items, a snapshot of the store. The new
// set is written to a scratch key and swapped in atomically together with any
// positions recorded since the previous rebuild, so readers never see a
// partial ranking and a Record that raced the snapshot is not lost.
func (r *Ranking) Rebuild(ctx context.Context, items []domain.RankedAggregate) error {
	key := r.rankingKey()

	members := make([]redis.Z, 0, len(items))
	for _, item := range items {
		if item.HighScore <= 0 {
			continue
		}
		members = append(members, redis.Z{
			Score:  EncodeScore(item.HighScore, item.LastPlayed),
			Member: item.UserID,
		})
	}

	scratch := fmt.Sprintf("%s:rebuild:%s", key, uuid.NewString())
	if len(members) > 0 {
		pipe := r.client.Pipeline()
		for start := 0; start < len(members); start += rebuildChunk {
			end := min(start+rebuildChunk, len(members))
			pipe.ZAdd(ctx, scratch, members[start:end]...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			_ = r.client.Del(ctx, scratch).Err()
			return fmt.Errorf("writing ranking snapshot: %w", err)
		}
	}

	count, err := swapRankingScript.Run(ctx, r.client, []string{key, scratch, r.journalKey()}).Int64()
	if err != nil {
		_ = r.client.Del(ctx, scratch).Err()
		return fmt.Errorf("rebuilding ranking: %w", err)
	}

	r.logger.Debug("ranking rebuilt",
		zap.Int("snapshot", len(members)),
		zap.Int64("members", count),
	)
	return nil
}
