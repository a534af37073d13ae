// Package delay computes mix-delay release times and holds envelopes until
// they are due without blocking the caller.
package delay

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/resolvingarchitecture/ra-common/pkg/entropy"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// Scheduler turns an envelope's delay parameters into a release time:
//
//	release = max(now, delay_until) + uniform[min_delay, max_delay]
//
// The result is a lower bound. Nothing is released before it, but delivery
// may happen later.
type Scheduler struct {
	clock clock.Clock
	rnd   entropy.Source
}

// NewScheduler uses the process random source when src is nil.
func NewScheduler(c clock.Clock, src entropy.Source) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	if src == nil {
		src = entropy.Default()
	}
	return &Scheduler{clock: c, rnd: src}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Validate rejects a window with min > max.
func Validate(minMs, maxMs uint64) error {
	if minMs > maxMs {
		return fmt.Errorf("%w: min=%dms max=%dms", protocol.ErrInvalidDelay, minMs, maxMs)
	}
	return nil
}

// Jitter draws a uniform delay in [min, max] milliseconds.
func (s *Scheduler) Jitter(minMs, maxMs uint64) time.Duration {
	if maxMs < minMs {
		maxMs = minMs
	}
	ms := clampMs(minMs)
	if span := maxMs - minMs; span > 0 {
		if span >= math.MaxInt64 {
			span = math.MaxInt64 - 1
		}
		ms += s.rnd.Int64N(int64(span) + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// ReleaseTime computes the earliest dispatch time relative to now.
func (s *Scheduler) ReleaseTime(now time.Time, delayUntil, minMs, maxMs uint64) time.Time {
	base := now
	if delayUntil > 0 {
		if until := time.UnixMilli(clampMs(delayUntil)); until.After(base) {
			base = until
		}
	}
	if minMs == 0 && maxMs == 0 {
		return base
	}
	return base.Add(s.Jitter(minMs, maxMs))
}

// Release computes the release time of e against the scheduler's clock.
func (s *Scheduler) Release(e *protocol.Envelope) time.Time {
	return s.ReleaseTime(s.clock.Now(), e.DelayUntil, e.MinDelay, e.MaxDelay)
}

// max whole milliseconds that still fit a time.Duration
const maxDurationMs = math.MaxInt64 / int64(time.Millisecond)

func clampMs(v uint64) int64 {
	if v > uint64(maxDurationMs) {
		return maxDurationMs
	}
	return int64(v)
}
