// Package clock provides the time source shared by the rate tracker and the
// dispatcher. Production code uses System; tests drive a Fake so blocking
// waits complete on demand.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock reports the current time and blocks the calling goroutine.
type Clock = clockwork.Clock

// Fake is a manually advanced clock. Sleep blocks until Advance moves the
// fake time past the deadline.
type Fake = clockwork.FakeClock

// System returns the wall clock.
func System() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return clockwork.NewFakeClockAt(start)
}

// OrSystem returns c, or the wall clock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System()
	}
	return c
}

// ReleaseSleeper waits for one goroutine to block on fc and wakes it after
// exactly d of fake time. It fails when no goroutine blocks before ctx is done
// or when the sleeper wakes before d has elapsed.
func ReleaseSleeper(ctx context.Context, fc *Fake, d time.Duration) error {
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		return fmt.Errorf("clock: no goroutine slept: %w", err)
	}
	if d > time.Nanosecond {
		fc.Advance(d - time.Nanosecond)
		if err := fc.BlockUntilContext(ctx, 1); err != nil {
			return fmt.Errorf("clock: sleeper woke before %s: %w", d, err)
		}
	}
	fc.Advance(min(d, time.Nanosecond))
	return nil
}
