package engine

import (
	"time"

	"bili-ticket-bot/internal/config"
)

// Rung is one step of the available ladder: once "time since last stock
// sighting" passes Window, the next retry sleeps Sleep.
type Rung struct {
	Window time.Duration
	Sleep  time.Duration
}

// Schedule owns the two timing tables that pace create-order retries and
// the timestamps they key off.
//
// defaultSleep spaces requests when no stock has been seen recently. The
// ladder takes over while a sighting is fresh: hammer hardest in the first
// second, relax through the middle, then re-accelerate as the ten-second
// stale window closes. refreshInterval forces a create attempt from stock
// polling even without a sighting, as a liveness probe.
type Schedule struct {
	defaultSleep    time.Duration
	refreshInterval time.Duration
	ladder          []Rung

	lastCreateAttempt time.Time
	lastStockSeen     time.Time
}

// NewSchedule builds the schedule from config; an empty configured ladder
// falls back to the measured default shape derived from defaultSleep.
func NewSchedule(defaultSleep time.Duration, cfg config.ScheduleConfig) *Schedule {
	ladder := make([]Rung, 0, len(cfg.Ladder))
	for _, r := range cfg.Ladder {
		ladder = append(ladder, Rung{Window: r.Window, Sleep: r.Sleep})
	}
	if len(ladder) == 0 {
		ladder = defaultLadder(defaultSleep)
	}
	return &Schedule{
		defaultSleep:    defaultSleep,
		refreshInterval: cfg.RefreshInterval,
		ladder:          ladder,
	}
}

// defaultLadder reproduces the measured retry shape. Windows are seconds
// since the last stock sighting; each rung's sleep applies while Δ is below
// its window and at or past the previous one.
func defaultLadder(ds time.Duration) []Rung {
	return []Rung{
		{Window: 0, Sleep: 0},
		{Window: 1250 * time.Millisecond, Sleep: ds * 2 / 3},
		{Window: 5 * time.Second, Sleep: ds},
		{Window: 8 * time.Second, Sleep: ds * 3 / 2},
		{Window: 10500 * time.Millisecond, Sleep: ds * 2 / 3},
	}
}

// DefaultSleep returns the baseline request spacing.
func (s *Schedule) DefaultSleep() time.Duration { return s.defaultSleep }

// MarkStock records a confirmed stock sighting.
func (s *Schedule) MarkStock(now time.Time) { s.lastStockSeen = now }

// MarkCreate records a create attempt.
func (s *Schedule) MarkCreate(now time.Time) { s.lastCreateAttempt = now }

// InWindow reports whether the last stock sighting is still fresh enough to
// keep hammering create instead of falling back to stock polling.
func (s *Schedule) InWindow(now time.Time) bool {
	if s.lastStockSeen.IsZero() {
		return false
	}
	return now.Sub(s.lastStockSeen) < s.ladder[len(s.ladder)-1].Window
}

// NextSleep selects the retry spacing for the elapsed time since the last
// stock sighting. Outside the ladder (no sighting yet, or stale) it reverts
// to the default sleep.
func (s *Schedule) NextSleep(now time.Time) time.Duration {
	if !s.InWindow(now) {
		return s.defaultSleep
	}
	delta := now.Sub(s.lastStockSeen)
	for i := 0; i < len(s.ladder)-1; i++ {
		if delta >= s.ladder[i].Window && delta < s.ladder[i+1].Window {
			return s.ladder[i+1].Sleep
		}
	}
	return s.defaultSleep
}

// ForceCreate reports whether stock polling should fire a create attempt
// anyway because none has gone out for a full refresh interval.
func (s *Schedule) ForceCreate(now time.Time) bool {
	if s.lastCreateAttempt.IsZero() {
		return true
	}
	return now.Sub(s.lastCreateAttempt) > s.refreshInterval
}

// clockPad absorbs local clock skew against the vendor's clock on the final
// countdown sliver.
const clockPad = 3 * time.Millisecond

// CountdownNap picks the sleep for the remaining time until sale start:
// coarse ten-minute naps hours out, tightening to one-second polls inside
// the final minute, and exactly the remainder (plus the pad) on the last
// sliver. Zero or negative countdowns sleep nothing.
func CountdownNap(remaining time.Duration) time.Duration {
	switch {
	case remaining <= 0:
		return 0
	case remaining < time.Second:
		return remaining + clockPad
	case remaining < time.Minute:
		return time.Second
	case remaining < 10*time.Minute:
		return 5 * time.Second
	case remaining < time.Hour:
		return time.Minute
	default:
		return 10 * time.Minute
	}
}
