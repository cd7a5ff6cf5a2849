// Package backoff implements the reconnect delay schedule shared by the
// relay supervisor and the channel adapters, plus the abort-aware sleep
// used by every long-running loop.
//
// The schedule doubles from an initial delay up to a ceiling, then adds
// up to 25% positive jitter so a fleet of relays restarting together
// does not hammer the cloud in lockstep.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Defaults for the relay reconnect policy.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 300 * time.Second
)

// RandSource abstracts randomness for deterministic testing.
type RandSource interface {
	// Float64 returns a pseudo-random float64 in the half-open interval [0.0, 1.0).
	Float64() float64
}

// defaultRand uses math/rand/v2's global source.
type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Policy controls the reconnect delay schedule. The zero value uses
// the defaults above with unbounded attempts.
type Policy struct {
	// InitialDelay is the delay for attempt 0 before jitter.
	InitialDelay time.Duration

	// MaxDelay is the ceiling for the pre-jitter delay.
	MaxDelay time.Duration

	// MaxAttempts caps reconnect attempts; 0 means unbounded.
	MaxAttempts int

	// Rand overrides the jitter source. Nil uses math/rand/v2.
	Rand RandSource
}

// Delay returns the wait before the given reconnect attempt.
// Attempt numbering starts at 0. The pre-jitter delay is
// min(initial·2^attempt, max); the result adds uniform [0, 25%) jitter.
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	delay := initial
	if delay > max {
		delay = max
	}
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
		if delay > max || delay < 0 {
			// Past the ceiling (or overflowed on pathological attempt counts).
			delay = max
		}
	}

	src := p.Rand
	if src == nil {
		src = defaultRand{}
	}
	jitter := time.Duration(float64(delay) * src.Float64() * 0.25)
	return delay + jitter
}

// Exhausted reports whether the attempt counter has consumed the
// policy's attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Sleep waits for d or until ctx is cancelled. Returns false if cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
