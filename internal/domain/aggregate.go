package domain

import (
	"math"
	"time"
)

// DefaultWinThreshold is the minimum score that counts a round as a win
const DefaultWinThreshold int64 = 100

// DefaultMaxScore is the largest score a single round may report
const DefaultMaxScore int64 = 100000

// GameAggregate is the running-totals record kept for each user
type GameAggregate struct {
	UserID        string    `json:"user_id"`
	HighScore     int64     `json:"high_score"`
	GamesPlayed   int64     `json:"games_played"`
	Wins          int64     `json:"wins"`
	TotalScore    int64     `json:"total_score"`
	LastGameScore int64     `json:"last_game_score"`
	LastPlayed    time.Time `json:"last_played"`
	DailyStreak   int       `json:"daily_streak"`
	BestStreak    int       `json:"best_streak"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Submission is one finished round reported by a player
type Submission struct {
	UserID   string     `json:"user_id"`
	Score    int64      `json:"score"`
	PlayedAt *time.Time `json:"played_at,omitempty"`
}

// SubmitResult is the aggregate snapshot returned after an accepted submission
type SubmitResult struct {
	HighScore     int64     `json:"high_score"`
	DailyStreak   int       `json:"daily_streak"`
	BestStreak    int       `json:"best_streak"`
	LastPlayed    time.Time `json:"last_played"`
	LastGameScore int64     `json:"last_game_score"`
	Wins          int64     `json:"wins"`
	GamesPlayed   int64     `json:"games_played"`
	TotalScore    int64     `json:"total_score"`
}

// UserStats is the profile view of an aggregate
type UserStats struct {
	HighScore     int64      `json:"high_score"`
	GamesPlayed   int64      `json:"games_played"`
	Wins          int64      `json:"wins"`
	AvgScore      int64      `json:"avg_score"`
	LastPlayed    *time.Time `json:"last_played"`
	LastGameScore int64      `json:"last_game_score"`
	DailyStreak   int        `json:"daily_streak"`
	BestStreak    int        `json:"best_streak"`
}

// Merge folds one accepted round into prev and returns the new aggregate.
// prev is nil for the first submission of a user. prev is never modified.
func Merge(prev *GameAggregate, userID string, score int64, playedAt time.Time, winThreshold int64) *GameAggregate {
	playedAt = playedAt.UTC()

	next := &GameAggregate{UserID: userID, CreatedAt: playedAt}
	if prev != nil {
		*next = *prev
	}

	daily, best := NextStreak(prev, playedAt)

	if score > next.HighScore {
		next.HighScore = score
	}
	next.GamesPlayed++
	if score >= winThreshold {
		next.Wins++
	}
	next.TotalScore += score
	next.LastGameScore = score
	if next.LastPlayed.IsZero() || playedAt.After(next.LastPlayed) {
		next.LastPlayed = playedAt
	}
	next.DailyStreak = daily
	next.BestStreak = best
	next.UpdatedAt = playedAt

	return next
}

// Result projects the aggregate into the submission response
func (a *GameAggregate) Result() SubmitResult {
	return SubmitResult{
		HighScore:     a.HighScore,
		DailyStreak:   a.DailyStreak,
		BestStreak:    a.BestStreak,
		LastPlayed:    a.LastPlayed,
		LastGameScore: a.LastGameScore,
		Wins:          a.Wins,
		GamesPlayed:   a.GamesPlayed,
		TotalScore:    a.TotalScore,
	}
}

// Stats projects the aggregate into profile statistics. A nil aggregate
// yields zero stats.
func (a *GameAggregate) Stats() UserStats {
	if a == nil {
		return UserStats{}
	}

	stats := UserStats{
		HighScore:     a.HighScore,
		GamesPlayed:   a.GamesPlayed,
		Wins:          a.Wins,
		LastGameScore: a.LastGameScore,
		DailyStreak:   a.DailyStreak,
		BestStreak:    a.BestStreak,
	}
	if a.GamesPlayed > 0 {
		stats.AvgScore = int64(math.Round(float64(a.TotalScore) / float64(a.GamesPlayed)))
	}
	if !a.LastPlayed.IsZero() {
		lastPlayed := a.LastPlayed
		stats.LastPlayed = &lastPlayed
	}
	return stats
}
