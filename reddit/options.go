package reddit

import (
	nethttp "net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaborage/go-snoo/auth"
	snoohttp "github.com/gaborage/go-snoo/http"
	"github.com/gaborage/go-snoo/logger"
)

type options struct {
	publicURL       string
	oauthURL        string
	agentUser       string
	tokenURL        string
	userAgent       string
	timeout         time.Duration
	maxResends      int
	maxRetries      int
	invalidStatuses []int
	pacingRPS       float64
	pacingBurst     int
	transport       nethttp.RoundTripper
	logger          logger.Logger
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
}

func defaultOptions() options {
	return options{
		publicURL:  PublicBaseURL,
		oauthURL:   OAuthBaseURL,
		tokenURL:   auth.DefaultTokenURL,
		timeout:    snoohttp.DefaultTimeout,
		maxResends: snoohttp.DefaultMaxResends,
		maxRetries: auth.DefaultMaxRetries,
	}
}

// Option configures a client variant
type Option func(*options)

// WithHosts overrides PublicBaseURL and OAuthBaseURL. Empty values keep the default.
func WithHosts(public, oauth string) Option {
	return func(o *options) {
		if public != "" {
			o.publicURL = public
		}
		if oauth != "" {
			o.oauthURL = oauth
		}
	}
}

// WithTokenURL overrides auth.DefaultTokenURL
func WithTokenURL(u string) Option {
	return func(o *options) { o.tokenURL = u }
}

// WithUserAgent replaces the generated User-Agent
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithTimeout sets the per-send timeout
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxResends caps the resends of one call
func WithMaxResends(n int) Option {
	return func(o *options) { o.maxResends = n }
}

// WithReauth sets the refresh bound and the statuses that mean the token was
// rejected. An empty statuses list keeps auth.DefaultInvalidStatuses.
func WithReauth(maxRetries int, statuses ...int) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.invalidStatuses = statuses
	}
}

// WithPacing enables client-side pacing
func WithPacing(rps float64, burst int) Option {
	return func(o *options) { o.pacingRPS, o.pacingBurst = rps, burst }
}

// WithTransport sets the round tripper under the instrumentation
func WithTransport(rt nethttp.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeterProvider records client metrics on mp
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider records client spans on tp
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// withAgentUser names the account in the generated User-Agent.
func withAgentUser(username string) Option {
	return func(o *options) { o.agentUser = username }
}

func (o *options) builder(identity, base string) *snoohttp.Builder {
	ua := o.userAgent
	if ua == "" {
		ua = UserAgent(Version, o.agentUser)
	}

	b := snoohttp.NewBuilder(o.logger).
		WithBaseURL(base).
		WithIdentity(identity).
		WithTimeout(o.timeout).
		WithMaxResends(o.maxResends).
		WithDefaultHeader("Accept", "application/json").
		WithDefaultHeader("User-Agent", ua)
	if o.pacingRPS > 0 {
		b = b.WithPacing(o.pacingRPS, o.pacingBurst)
	}
	if o.transport != nil {
		b = b.WithTransport(o.transport)
	}
	if o.meterProvider != nil {
		b = b.WithMeterProvider(o.meterProvider)
	}
	if o.tracerProvider != nil {
		b = b.WithTracerProvider(o.tracerProvider)
	}
	return b
}
