package router

import "time"

// Policy bounds how long an envelope may wait on an inadmissible target.
type Policy struct {
	// Initial is the first re-evaluation delay; it doubles per attempt.
	Initial time.Duration
	// Max caps a single delay.
	Max time.Duration
	// MaxAttempts bounds holds on a transiently inadmissible target.
	// Zero means unbounded.
	MaxAttempts int
	// TerminalRetries is how many times a terminally inadmissible target is
	// re-checked before the envelope fails. Zero fails immediately.
	TerminalRetries int
}

// DefaultPolicy is used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     50 * time.Millisecond,
		Max:         5 * time.Second,
		MaxAttempts: 20,
	}
}

// Backoff returns the delay before re-evaluation number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Initial
	if d <= 0 {
		d = 50 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
