package domain

import "time"

// CalendarDay truncates t to midnight of its UTC date.
func CalendarDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of UTC calendar-day boundaries from a to b.
// Negative when b falls on an earlier date than a.
func DaysBetween(a, b time.Time) int {
	// UTC days are always 24h long, so the division is exact.
	return int(CalendarDay(b).Sub(CalendarDay(a)) / (24 * time.Hour))
}

// NextStreak computes the daily and best streak after a round played at
// playedAt, given the aggregate before the round (nil for the first round).
func NextStreak(prev *GameAggregate, playedAt time.Time) (daily, best int) {
	if prev == nil || prev.LastPlayed.IsZero() || prev.DailyStreak < 1 {
		daily = 1
	} else {
		switch gap := DaysBetween(prev.LastPlayed, playedAt); {
		case gap <= 0:
			daily = prev.DailyStreak
		case gap == 1:
			daily = prev.DailyStreak + 1
		default:
			daily = 1
		}
	}

	best = daily
	if prev != nil && prev.BestStreak > best {
		best = prev.BestStreak
	}
	return daily, best
}
