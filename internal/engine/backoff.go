package engine

import "time"

// Backoff doubles the wait after each failed run, up to a ceiling, and
// returns to the base interval after a successful one.
type Backoff struct {
	base     time.Duration
	max      time.Duration
	current  time.Duration
	failures int
}

// NewBackoff creates a Backoff. A max below base disables growth.
func NewBackoff(base, max time.Duration) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, current: base}
}

// Next records the outcome of a run and returns the wait before the next one.
func (b *Backoff) Next(err error) time.Duration {
	if err == nil {
		b.failures = 0
		b.current = b.base
		return b.current
	}
	b.failures++
	if b.failures == 1 {
		b.current = b.base
	}
	b.current *= 2
	if b.current > b.max || b.current <= 0 {
		b.current = b.max
	}
	return b.current
}

// Failures returns the number of consecutive failed runs.
func (b *Backoff) Failures() int { return b.failures }
