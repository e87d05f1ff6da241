package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/gaborage/go-snoo/logger"
	"github.com/gaborage/go-snoo/observability"
)

const (
	// DefaultTimeout is the default request timeout duration
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResends caps how many times interceptors may resend one call
	DefaultMaxResends = 8

	instrumentationName = "github.com/gaborage/go-snoo/http"

	metricRequests = "http.client.requests"
	metricDuration = "http.client.duration"

	attrMethod    = "http.request.method"
	attrStatus    = "http.response.status_code"
	attrErrorType = "error.type"

	// maxDrainBytes bounds how much of a superseded body is read before closing
	maxDrainBytes = 64 << 10
)

var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// client implements the Client interface
type client struct {
	httpClient           *nethttp.Client
	logger               logger.Logger
	config               *Config
	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
	limiter              *rate.Limiter
	tracer               trace.Tracer
	requests             metric.Int64Counter
	duration             metric.Float64Histogram
	callCount            int64
}

// NewClient creates a new REST client with default configuration
func NewClient(log logger.Logger) Client {
	return NewBuilder(log).Build()
}

// Builder provides a fluent interface for configuring the REST client
type Builder struct {
	config     *Config
	logger     logger.Logger
	httpClient *nethttp.Client
}

// NewBuilder creates a new client builder
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{
		config: &Config{
			Timeout:              DefaultTimeout,
			MaxResends:           DefaultMaxResends,
			RequestInterceptors:  []RequestInterceptor{},
			ResponseInterceptors: []ResponseInterceptor{},
			DefaultHeaders:       make(map[string]string),
		},
		logger: logger.OrNop(log),
	}
}

// WithTimeout sets the request timeout
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.config.Timeout = timeout
	return b
}

// WithBaseURL sets the URL that paths starting with "/" are resolved against
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.BaseURL = strings.TrimRight(baseURL, "/")
	return b
}

// WithIdentity names the account every chain of this client acts for
func (b *Builder) WithIdentity(identity string) *Builder {
	b.config.Identity = identity
	return b
}

// WithMaxResends caps the resends one call may go through; zero disables resends
func (b *Builder) WithMaxResends(n int) *Builder {
	if n >= 0 {
		b.config.MaxResends = n
	}
	return b
}

// WithThrottler sets the throttler consulted before every send
func (b *Builder) WithThrottler(t Throttler) *Builder {
	b.config.Throttler = t
	return b
}

// WithPacing limits outgoing sends to rps with the given burst. rps <= 0 disables pacing.
func (b *Builder) WithPacing(rps float64, burst int) *Builder {
	b.config.PacingRPS = rps
	b.config.PacingBurst = burst
	return b
}

// WithHTTPClient sets the *http.Client to copy for sends; its timeout is
// overridden by WithTimeout when both are set.
func (b *Builder) WithHTTPClient(c *nethttp.Client) *Builder {
	b.httpClient = c
	return b
}

// WithTransport sets the round tripper used for every send
func (b *Builder) WithTransport(rt nethttp.RoundTripper) *Builder {
	if b.httpClient == nil {
		b.httpClient = &nethttp.Client{}
	}
	b.httpClient.Transport = rt
	return b
}

// WithBasicAuth sets basic authentication credentials
func (b *Builder) WithBasicAuth(username, password string) *Builder {
	b.config.BasicAuth = &BasicAuth{Username: username, Password: password}
	return b
}

// WithDefaultHeader adds a default header that will be sent with all requests
func (b *Builder) WithDefaultHeader(key, value string) *Builder {
	b.config.DefaultHeaders[key] = value
	return b
}

// WithRequestInterceptor adds a request interceptor
func (b *Builder) WithRequestInterceptor(interceptor RequestInterceptor) *Builder {
	b.config.RequestInterceptors = append(b.config.RequestInterceptors, interceptor)
	return b
}

// WithResponseInterceptor adds a response interceptor; interceptors run in the order added
func (b *Builder) WithResponseInterceptor(interceptor ResponseInterceptor) *Builder {
	b.config.ResponseInterceptors = append(b.config.ResponseInterceptors, interceptor)
	return b
}

// WithMeterProvider sets the meter provider; the global provider is used otherwise
func (b *Builder) WithMeterProvider(mp metric.MeterProvider) *Builder {
	b.config.MeterProvider = mp
	return b
}

// WithTracerProvider sets the tracer provider; the global provider is used otherwise
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.config.TracerProvider = tp
	return b
}

// Build creates the REST client with the configured options
func (b *Builder) Build() Client {
	httpClient := &nethttp.Client{}
	if b.httpClient != nil {
		copied := *b.httpClient
		httpClient = &copied
	}
	if b.config.Timeout > 0 {
		httpClient.Timeout = b.config.Timeout
	}

	c := &client{
		httpClient:           httpClient,
		logger:               b.logger,
		config:               b.config,
		requestInterceptors:  b.config.RequestInterceptors,
		responseInterceptors: b.config.ResponseInterceptors,
	}
	c.initTelemetry()
	// Every send, resends included, gets its own child span.
	httpClient.Transport = otelhttp.NewTransport(httpClient.Transport,
		otelhttp.WithTracerProvider(c.tracerProvider()),
		otelhttp.WithMeterProvider(c.meterProvider()))
	if b.config.PacingRPS > 0 {
		burst := b.config.PacingBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(b.config.PacingRPS), burst)
	}
	return c
}

func (c *client) tracerProvider() trace.TracerProvider {
	if c.config.TracerProvider != nil {
		return c.config.TracerProvider
	}
	return otel.GetTracerProvider()
}

func (c *client) meterProvider() metric.MeterProvider {
	if c.config.MeterProvider != nil {
		return c.config.MeterProvider
	}
	return otel.GetMeterProvider()
}

func (c *client) initTelemetry() {
	c.tracer = c.tracerProvider().Tracer(instrumentationName)
	meter := c.meterProvider().Meter(instrumentationName)

	var err error
	c.requests, err = observability.CreateCounter(meter, metricRequests, "Outbound API calls by final status",
		metric.WithUnit("{request}"))
	if err != nil {
		c.logger.Warn().Err(err).Str("metric", metricRequests).Msg("Failed to create metric instrument")
	}
	c.duration, err = observability.CreateHistogram(meter, metricDuration, "Duration of outbound API calls, resends included",
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(durationBuckets...))
	if err != nil {
		c.logger.Warn().Err(err).Str("metric", metricDuration).Msg("Failed to create metric instrument")
	}
}

// Get performs a GET request
func (c *client) Get(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodGet, req)
}

// Post performs a POST request
func (c *client) Post(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPost, req)
}

// Put performs a PUT request
func (c *client) Put(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPut, req)
}

// Patch performs a PATCH request
func (c *client) Patch(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPatch, req)
}

// Delete performs a DELETE request
func (c *client) Delete(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodDelete, req)
}

// Do performs an HTTP request with the specified method
func (c *client) Do(ctx context.Context, method string, req *Request) (*Response, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()
	callCount := atomic.AddInt64(&c.callCount, 1)

	ctx, span := c.tracer.Start(ctx, "http.client.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(attrMethod, method)))
	defer span.End()

	httpReq, err := c.buildRequest(ctx, method, req)
	if err != nil {
		c.finish(ctx, span, method, 0, start, err)
		return nil, err
	}

	chain := NewChain(c.config.Identity, httpReq, c)
	httpResp, err := c.send(ctx, chain)
	if err != nil {
		c.finish(ctx, span, method, 0, start, err)
		return nil, err
	}

	resp, err := c.buildResponse(start, callCount, chain, httpResp)
	if err != nil {
		c.finish(ctx, span, method, 0, start, err)
		return nil, err
	}
	c.logResponse(resp)

	if IsSuccessStatus(resp.StatusCode) {
		c.finish(ctx, span, method, resp.StatusCode, start, nil)
		return resp, nil
	}

	statusErr := NewHTTPError(method, resp.URL, resp.StatusCode, resp.Body)
	c.finish(ctx, span, method, resp.StatusCode, start, statusErr)
	return resp, statusErr
}

// send puts chain.Request on the wire and runs the response interceptors,
// recursing when one of them asks for a resend.
func (c *client) send(ctx context.Context, chain *Chain) (*nethttp.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, NewNetworkError("pacing wait aborted", err)
		}
	}
	if c.config.Throttler != nil {
		c.config.Throttler.Throttle()
	}

	if err := c.runRequestInterceptors(ctx, chain.Request); err != nil {
		return nil, NewInterceptorError("request interceptor failed", "request", err)
	}

	c.logRequest(chain)

	httpResp, err := c.httpClient.Do(chain.Request)
	if err != nil {
		if c.isTimeout(err) {
			return nil, NewTimeoutError("request timeout", c.config.Timeout, err)
		}
		return nil, NewNetworkError("request execution failed", err)
	}

	for _, interceptor := range c.responseInterceptors {
		next, err := interceptor.Intercept(ctx, chain, httpResp)
		if err != nil {
			drain(httpResp)
			return nil, err
		}
		if next == nil {
			continue
		}

		drain(httpResp)
		if len(chain.History) >= c.config.MaxResends {
			return nil, NewInterceptorError("resend limit reached", "response",
				fmt.Errorf("%d resends", len(chain.History)))
		}
		chain.History = append(chain.History, httpResp)
		chain.Request = next
		return c.send(ctx, chain)
	}
	return httpResp, nil
}

// drain discards the rest of a superseded body so the connection can be reused.
func drain(resp *nethttp.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}

func (c *client) finish(ctx context.Context, span trace.Span, method string, status int, start time.Time, err error) {
	attrs := []attribute.KeyValue{attribute.String(attrMethod, method)}
	if status != 0 {
		attrs = append(attrs, attribute.Int(attrStatus, status))
		span.SetAttributes(attribute.Int(attrStatus, status))
	}
	if err != nil {
		attrs = append(attrs, attribute.String(attrErrorType, errorType(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if c.duration != nil {
		c.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	}
}

func errorType(err error) string {
	var clientErr ClientError
	if errors.As(err, &clientErr) {
		return string(clientErr.Type())
	}
	return "other"
}

// validateRequest validates the request before sending
func (c *client) validateRequest(req *Request) error {
	if req == nil {
		return NewValidationError("request cannot be nil", "request")
	}
	if req.URL == "" {
		return NewValidationError("URL cannot be empty", "url")
	}
	if strings.HasPrefix(req.URL, "/") && c.config.BaseURL == "" {
		return NewValidationError("relative URL requires a base URL", "url")
	}
	return nil
}

// resolveURL prefixes paths with the base URL and appends the query
func (c *client) resolveURL(req *Request) string {
	target := req.URL
	if strings.HasPrefix(target, "/") {
		target = c.config.BaseURL + target
	}
	if len(req.Query) == 0 {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + req.Query.Encode()
}

// applyHeaders applies headers to the HTTP request
func (c *client) applyHeaders(httpReq *nethttp.Request, req *Request, contentType string) {
	// Apply default headers first
	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}

	// Apply request-specific headers (these override defaults)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if httpReq.Header.Get("Content-Type") == "" && contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
}

// applyAuth applies authentication to the HTTP request
func (c *client) applyAuth(httpReq *nethttp.Request, req *Request) {
	// Request-specific auth takes precedence
	auth := req.Auth
	if auth == nil {
		auth = c.config.BasicAuth
	}

	if auth != nil {
		httpReq.SetBasicAuth(auth.Username, auth.Password)
	}
}

// buildRequest constructs an *http.Request and applies headers and auth.
// Request interceptors run later, once per send.
func (c *client) buildRequest(ctx context.Context, method string, req *Request) (*nethttp.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := nethttp.NewRequestWithContext(ctx, method, c.resolveURL(req), body)
	if err != nil {
		return nil, NewNetworkError("failed to create HTTP request", err)
	}

	c.applyHeaders(httpReq, req, contentType)
	c.applyAuth(httpReq, req)
	return httpReq, nil
}

// buildResponse reads the final body and builds a Response.
func (c *client) buildResponse(start time.Time, callCount int64, chain *Chain, httpResp *nethttp.Response) (*Response, error) {
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewNetworkError("failed to read response body", err)
	}

	finalURL := chain.Request.URL.String()
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
		URL:        finalURL,
		Stats: Stats{
			ElapsedTime: time.Since(start),
			CallCount:   callCount,
			Sends:       len(chain.History) + 1,
		},
	}, nil
}

func (c *client) isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// runRequestInterceptors executes all request interceptors
func (c *client) runRequestInterceptors(ctx context.Context, req *nethttp.Request) error {
	for _, interceptor := range c.requestInterceptors {
		if err := interceptor(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// logRequest logs the outgoing request
func (c *client) logRequest(chain *Chain) {
	req := chain.Request
	c.logger.Debug().
		Str("direction", "outbound").
		Str("identity", chain.Identity).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("send", len(chain.History)+1).
		Interface("headers", req.Header).
		Msg("REST client request")
}

// logResponse logs the final response
func (c *client) logResponse(resp *Response) {
	logEvent := c.logger.Debug().
		Str("direction", "inbound").
		Str("identity", c.config.Identity).
		Int("status", resp.StatusCode).
		Dur("elapsed", resp.Stats.ElapsedTime).
		Int64("call_count", resp.Stats.CallCount).
		Int("sends", resp.Stats.Sends)

	if len(resp.Body) > 0 && !IsSuccessStatus(resp.StatusCode) {
		logEvent = logEvent.Bytes("body", resp.Body)
	}

	logEvent.Msg("REST client response")
}
