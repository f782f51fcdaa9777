// Package backoff implements jittered exponential backoff for the sync
// scheduler's re-kick delay after failed passes.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff produces exponentially growing delays with +-20% jitter.
// Safe for concurrent use.
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
	mu         sync.Mutex
}

// New creates a Backoff that starts at min, grows by mult per attempt,
// and caps at max.
func New(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

// Next returns the delay to wait before the next attempt and advances
// the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitterFactor := rand.Float64()*0.4 - 0.2
	jitter := time.Duration(jitterFactor * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

// Reset returns the backoff to its starting delay. Called after a
// clean sync pass.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

// Attempts returns the number of times Next has been called since the
// last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
