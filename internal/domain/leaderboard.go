package domain

import (
	"sort"
	"time"
)

// Leaderboard limits
const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

// RankedAggregate is the slice of an aggregate the ranking needs
type RankedAggregate struct {
	UserID     string    `json:"user_id"`
	HighScore  int64     `json:"high_score"`
	LastPlayed time.Time `json:"last_played"`
}

// LeaderboardEntry is a single ranked row with denormalized display fields
type LeaderboardEntry struct {
	Rank        int64     `json:"rank"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	HighScore   int64     `json:"high_score"`
	LastUpdated time.Time `json:"last_updated"`
}

// RanksBefore reports whether a ranks ahead of b: higher score first, then
// the more recent lastPlayed, then user ID for a stable order.
func RanksBefore(a, b RankedAggregate) bool {
	if a.HighScore != b.HighScore {
		return a.HighScore > b.HighScore
	}
	if !a.LastPlayed.Equal(b.LastPlayed) {
		return a.LastPlayed.After(b.LastPlayed)
	}
	return a.UserID < b.UserID
}

// SortRanked orders aggregates by leaderboard rank in place
func SortRanked(items []RankedAggregate) {
	sort.SliceStable(items, func(i, j int) bool {
		return RanksBefore(items[i], items[j])
	})
}

// ClampLimit applies the default and maximum to a requested top-N size
func ClampLimit(limit, defaultLimit, maxLimit int) int {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLeaderboardLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxLeaderboardLimit
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
