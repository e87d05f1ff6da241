// Package ratelimit tracks the server-declared request budget of each
// identity and holds callers back once it runs low.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gaborage/go-snoo/clock"
	"github.com/gaborage/go-snoo/logger"
)

const (
	// DefaultTolerance is how far apart two expiry estimates may be and still
	// describe the same window.
	DefaultTolerance = 5 * time.Second

	// DefaultMargin is added to every server reset estimate.
	DefaultMargin = 3 * time.Second

	// DefaultLowWater is the remaining-call count below which Throttle waits.
	DefaultLowWater = 10

	// DefaultSentinel is the optimistic remaining count used before any report.
	DefaultSentinel = 999
)

// Window is a snapshot of a tracker's state.
type Window struct {
	Used      int
	Remaining int
	Expiry    time.Time
}

// Settings tunes a Tracker. A zero field means "use the package default", so
// a zero margin or tolerance cannot be expressed; configuration rejects zero
// values instead of silently replacing them.
type Settings struct {
	Tolerance time.Duration `koanf:"tolerance" json:"tolerance" yaml:"tolerance" mapstructure:"tolerance" validate:"gt=0"`
	Margin    time.Duration `koanf:"margin" json:"margin" yaml:"margin" mapstructure:"margin" validate:"gt=0"`
	LowWater  int           `koanf:"lowwater" json:"lowWater" yaml:"lowwater" mapstructure:"lowwater" validate:"gt=0"`
	Sentinel  int           `koanf:"sentinel" json:"sentinel" yaml:"sentinel" mapstructure:"sentinel" validate:"gt=0"`
}

func (s Settings) withDefaults() Settings {
	if s.Tolerance == 0 {
		s.Tolerance = DefaultTolerance
	}
	if s.Margin == 0 {
		s.Margin = DefaultMargin
	}
	if s.LowWater == 0 {
		s.LowWater = DefaultLowWater
	}
	if s.Sentinel == 0 {
		s.Sentinel = DefaultSentinel
	}
	return s
}

// Tracker holds the rolling rate-limit window of one identity. Reports may
// arrive in any order from concurrent responses; Update merges them so the
// result does not depend on arrival order.
type Tracker struct {
	identity string
	settings Settings
	clock    clock.Clock
	logger   logger.Logger
	metrics  *trackerMetrics

	mu     sync.Mutex
	window Window
}

// NewTracker returns a tracker in the optimistic state. A nil clock uses the
// system clock and a nil logger discards output.
func NewTracker(identity string, settings Settings, clk clock.Clock, log logger.Logger) *Tracker {
	t := &Tracker{
		identity: identity,
		settings: settings.withDefaults(),
		clock:    clock.OrSystem(clk),
		logger:   logger.OrNop(log),
	}
	t.window = t.optimistic()
	return t
}

func (t *Tracker) optimistic() Window {
	return Window{Remaining: t.settings.Sentinel}
}

// Identity returns the identity the tracker belongs to.
func (t *Tracker) Identity() string {
	return t.identity
}

// Update merges a server report. untilReset is the server's estimate of the
// time left in its window.
func (t *Tracker) Update(used, remaining int, untilReset time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	candidate := t.clock.Now().Add(untilReset).Add(t.settings.Margin)
	diff := candidate.Sub(t.window.Expiry)
	if diff < 0 {
		diff = -diff
	}

	if diff > t.settings.Tolerance {
		// A different window; only a later one replaces the current state.
		if candidate.After(t.window.Expiry) {
			t.window = Window{Used: used, Remaining: remaining, Expiry: candidate}
		}
		return
	}

	// Same window: the report with more calls used is the more recent one.
	if used > t.window.Used {
		t.window.Used = used
		t.window.Remaining = remaining
	}
}

// Throttle blocks until the window resets when fewer than the low-water mark
// of calls remain. The lock is held during the wait so every caller of the
// identity is held back and no report races the check.
func (t *Tracker) Throttle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.window.Remaining >= t.settings.LowWater {
		return
	}
	wait := t.window.Expiry.Sub(t.clock.Now())
	if wait <= 0 {
		return
	}

	t.logger.Warn().
		Str("identity", t.identity).
		Int("remaining", t.window.Remaining).
		Int("used", t.window.Used).
		Dur("wait", wait).
		Msg("Rate limit nearly exhausted, waiting for window reset")

	t.clock.Sleep(wait)
	t.window = t.optimistic()
	t.metrics.recordWait(t.identity, wait)
}

// Reset restores the optimistic state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = t.optimistic()
}

// Window returns a snapshot of the current state.
func (t *Tracker) Window() Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.window
}

type trackerMetrics struct {
	waits    metric.Int64Counter
	duration metric.Float64Histogram
}

func (m *trackerMetrics) recordWait(identity string, wait time.Duration) {
	if m == nil {
		return
	}
	// Identities are account names; only mark anonymous vs authenticated.
	attrs := metric.WithAttributes(attribute.Bool("snoo.authenticated", identity != ""))
	if m.waits != nil {
		m.waits.Add(context.Background(), 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(context.Background(), wait.Seconds(), attrs)
	}
}
