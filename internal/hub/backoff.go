package hub

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectConfig controls how a broken websocket is re-established.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  8,
		Jitter:       0.2,
	}
}

// Backoff calculates reconnect delays.
type Backoff struct {
	cfg ReconnectConfig
}

// NewBackoff creates a new backoff calculator.
func NewBackoff(cfg ReconnectConfig) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Backoff{cfg: cfg}
}

// Delay returns the un-jittered delay before attempt (0-indexed).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.cfg.InitialDelay
	}

	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}

	return time.Duration(delay)
}

// JitteredDelay returns Delay(attempt) spread by +/- Jitter.
func (b *Backoff) JitteredDelay(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.cfg.Jitter <= 0 {
		return d
	}

	jitterRange := float64(d) * b.cfg.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange

	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return d
	}
	return result
}

// Exhausted reports whether attempt (1-indexed) is past the retry budget.
func (b *Backoff) Exhausted(attempt int) bool {
	return b.cfg.MaxAttempts > 0 && attempt > b.cfg.MaxAttempts
}
