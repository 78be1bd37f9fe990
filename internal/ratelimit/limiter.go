// Package ratelimit tracks the provider's shared two-window quota and decides whether
// outbound calls may proceed.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"stridesync/internal/domain"
)

const (
	DefaultShortThreshold = 0.8
	DefaultLongThreshold  = 0.9
	DefaultCooldown       = 60 * time.Second
)

// Recorder receives pause/resume transitions. *metrics.Registry satisfies it.
type Recorder interface {
	RecordRateLimitPause(until time.Time, reason string)
	RecordRateLimitResume()
}

type Config struct {
	ShortThreshold float64
	LongThreshold  float64
	Cooldown       time.Duration
}

// Limiter is shared by the provider client (writer) and the job queue (reader).
// It pauses well before the provider's hard limit so a 429 is never the first signal.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	state    domain.RateLimitState
	recorder Recorder
	timeNow  func() time.Time
}

func New(cfg Config, recorder Recorder) *Limiter {
	return NewWithClock(cfg, recorder, time.Now)
}

// NewWithClock creates a limiter with an injectable clock (for testing).
func NewWithClock(cfg Config, recorder Recorder, timeNow func() time.Time) *Limiter {
	if cfg.ShortThreshold <= 0 {
		cfg.ShortThreshold = DefaultShortThreshold
	}
	if cfg.LongThreshold <= 0 {
		cfg.LongThreshold = DefaultLongThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Limiter{cfg: cfg, recorder: recorder, timeNow: timeNow}
}

// IsRateLimited reports whether calls are paused, clearing an expired pause.
func (l *Limiter) IsRateLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.IsPaused {
		return false
	}
	if l.state.PauseUntil != nil && l.timeNow().Before(*l.state.PauseUntil) {
		return true
	}

	l.state.IsPaused = false
	l.state.PauseUntil = nil
	log.Info().Msg("rate limit pause lifted, resuming provider calls")
	if l.recorder != nil {
		l.recorder.RecordRateLimitResume()
	}
	return false
}

// RecordUsage stores the usage reported by the provider and pauses once either window
// crosses its safety threshold.
func (l *Limiter) RecordUsage(shortUsage, shortLimit, longUsage, longLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.ShortWindowUsage = shortUsage
	l.state.ShortWindowLimit = shortLimit
	l.state.LongWindowUsage = longUsage
	l.state.LongWindowLimit = longLimit
	l.state.LastUpdated = l.timeNow()

	switch {
	case shortLimit > 0 && float64(shortUsage) >= float64(shortLimit)*l.cfg.ShortThreshold:
		l.pauseLocked("short window threshold reached")
	case longLimit > 0 && float64(longUsage) >= float64(longLimit)*l.cfg.LongThreshold:
		l.pauseLocked("long window threshold reached")
	}
}

// Pause stops outbound calls for the cool-down period, e.g. after a 429.
func (l *Limiter) Pause(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pauseLocked(reason)
}

func (l *Limiter) pauseLocked(reason string) {
	until := l.timeNow().Add(l.cfg.Cooldown)
	if l.state.IsPaused && l.state.PauseUntil != nil && !until.After(*l.state.PauseUntil) {
		return
	}
	wasPaused := l.state.IsPaused
	l.state.IsPaused = true
	l.state.PauseUntil = &until
	if wasPaused {
		return
	}

	log.Warn().
		Str("reason", reason).
		Int("short_usage", l.state.ShortWindowUsage).
		Int("short_limit", l.state.ShortWindowLimit).
		Int("long_usage", l.state.LongWindowUsage).
		Int("long_limit", l.state.LongWindowLimit).
		Time("pause_until", until).
		Msg("pausing provider calls")
	if l.recorder != nil {
		l.recorder.RecordRateLimitPause(until, reason)
	}
}

// PauseRemaining returns how long the current pause still lasts, or zero.
func (l *Limiter) PauseRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.IsPaused || l.state.PauseUntil == nil {
		return 0
	}
	if d := l.state.PauseUntil.Sub(l.timeNow()); d > 0 {
		return d
	}
	return 0
}

func (l *Limiter) State() domain.RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	if s.PauseUntil != nil {
		until := *s.PauseUntil
		s.PauseUntil = &until
	}
	return s
}
