package http

import (
	"context"
	nethttp "net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Client defines the REST client interface for making HTTP requests
type Client interface {
	Get(ctx context.Context, req *Request) (*Response, error)
	Post(ctx context.Context, req *Request) (*Response, error)
	Put(ctx context.Context, req *Request) (*Response, error)
	Patch(ctx context.Context, req *Request) (*Response, error)
	Delete(ctx context.Context, req *Request) (*Response, error)
	Do(ctx context.Context, method string, req *Request) (*Response, error)
}

// Request represents an HTTP request with all necessary data.
// URL may be absolute or a path starting with "/" that is resolved
// against the client's base URL.
type Request struct {
	URL     string
	Headers map[string]string
	Query   url.Values
	// Form is encoded as application/x-www-form-urlencoded when Body is empty.
	Form url.Values
	Body []byte
	Auth *BasicAuth
}

// Response represents an HTTP response with tracking information
type Response struct {
	StatusCode int
	Body       []byte
	Headers    nethttp.Header
	// URL is the final URL after redirects and resends.
	URL   string
	Stats Stats
}

// Stats contains request execution statistics
type Stats struct {
	ElapsedTime time.Duration
	CallCount   int64
	// Sends counts every request put on the wire for this call, resends included.
	Sends int
}

// BasicAuth contains basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// RequestInterceptor is called before every send, resends included
type RequestInterceptor func(ctx context.Context, req *nethttp.Request) error

// ResponseInterceptor inspects every response of a chain. Returning a non-nil
// request asks the client to discard resp and send that request instead;
// returning nil passes resp on to the next interceptor. Errors are returned to
// the caller as-is.
type ResponseInterceptor interface {
	Intercept(ctx context.Context, chain *Chain, resp *nethttp.Response) (*nethttp.Request, error)
}

// ResponseInterceptorFunc adapts a function to ResponseInterceptor
type ResponseInterceptorFunc func(ctx context.Context, chain *Chain, resp *nethttp.Response) (*nethttp.Request, error)

// Intercept calls f.
func (f ResponseInterceptorFunc) Intercept(ctx context.Context, chain *Chain, resp *nethttp.Response) (*nethttp.Request, error) {
	return f(ctx, chain, resp)
}

// Throttler blocks the caller until another request may be sent
type Throttler interface {
	Throttle()
}

// Config holds the REST client configuration
type Config struct {
	Timeout              time.Duration
	BaseURL              string
	Identity             string
	MaxResends           int
	RequestInterceptors  []RequestInterceptor
	ResponseInterceptors []ResponseInterceptor
	BasicAuth            *BasicAuth
	DefaultHeaders       map[string]string
	Throttler            Throttler
	PacingRPS            float64
	PacingBurst          int
	MeterProvider        metric.MeterProvider
	TracerProvider       trace.TracerProvider
}
