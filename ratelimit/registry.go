package ratelimit

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/gaborage/go-snoo/clock"
	"github.com/gaborage/go-snoo/logger"
	"github.com/gaborage/go-snoo/observability"
)

const (
	instrumentationName = "github.com/gaborage/go-snoo/ratelimit"

	metricThrottleWaits    = "ratelimit.throttle.waits"
	metricThrottleDuration = "ratelimit.throttle.duration"
)

// Registry owns exactly one Tracker per identity. It is created once per
// process and shared by every client so all callers of an identity see the
// same window.
type Registry struct {
	settings      Settings
	clock         clock.Clock
	logger        logger.Logger
	meterProvider metric.MeterProvider
	metrics       *trackerMetrics

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// Option configures a Registry
type Option func(*Registry)

// WithClock sets the clock handed to every tracker
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger handed to every tracker
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSettings sets the tracker tuning
func WithSettings(s Settings) Option {
	return func(r *Registry) { r.settings = s }
}

// WithMeterProvider records throttle waits on mp instead of the global provider
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Registry) { r.meterProvider = mp }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{trackers: make(map[string]*Tracker)}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.OrSystem(r.clock)
	r.logger = logger.OrNop(r.logger)
	r.metrics = newTrackerMetrics(r.meterProvider, r.logger)
	return r
}

// Tracker returns the tracker for identity, creating it on first use.
func (r *Registry) Tracker(identity string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[identity]; ok {
		return t
	}
	t := NewTracker(identity, r.settings, r.clock, r.logger)
	t.metrics = r.metrics
	r.trackers[identity] = t
	return t
}

// Len returns the number of identities seen so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

func newTrackerMetrics(mp metric.MeterProvider, log logger.Logger) *trackerMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &trackerMetrics{}

	var err error
	m.waits, err = observability.CreateCounter(meter, metricThrottleWaits, "Sends held back until the rate-limit window reset",
		metric.WithUnit("{wait}"))
	if err != nil {
		log.Warn().Err(err).Str("metric", metricThrottleWaits).Msg("Failed to create metric instrument")
	}
	m.duration, err = observability.CreateHistogram(meter, metricThrottleDuration, "Time spent waiting for the rate-limit window reset",
		metric.WithUnit("s"))
	if err != nil {
		log.Warn().Err(err).Str("metric", metricThrottleDuration).Msg("Failed to create metric instrument")
	}
	return m
}
