package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gaborage/go-snoo/logger"
	obtest "github.com/gaborage/go-snoo/observability/testing"
)

// Test constants to avoid string duplication
const (
	testBaseURL        = "https://oauth.example.com"
	testUserAgent      = "User-Agent"
	testAgentValue     = "go:test:v0.0.1 (by u/tester)"
	testContentTypeHdr = "Content-Type"
	testJSONType       = "application/json"
	testPath           = "/api/v1/me"
)

func createTestLogger() logger.Logger {
	return logger.NewWithWriter(io.Discard, "debug", nil)
}

func newIPv4TestServer(t *testing.T, handler nethttp.Handler) *httptest.Server {
	t.Helper()
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: unable to bind IPv4 listener: %v", err)
		return &httptest.Server{}
	}

	server := &httptest.Server{
		Listener: listener,
		Config:   &nethttp.Server{Handler: handler},
	}
	server.Start()
	t.Cleanup(server.Close)
	return server
}

type roundTripperFunc func(*nethttp.Request) (*nethttp.Response, error)

func (f roundTripperFunc) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	return f(req)
}

// trackingBody records whether it was closed.
type trackingBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackingBody) Close() error {
	b.closed.Store(true)
	return nil
}

// scripted answers sends in order with the given statuses and records every request it saw.
type scripted struct {
	mu       sync.Mutex
	statuses []int
	seen     []*nethttp.Request
	bodies   []string
	served   []*trackingBody
}

func (s *scripted) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	s.seen = append(s.seen, req)
	s.bodies = append(s.bodies, body)

	status := s.statuses[len(s.seen)-1]
	respBody := &trackingBody{Reader: strings.NewReader(fmt.Sprintf(`{"send":%d}`, len(s.seen)))}
	s.served = append(s.served, respBody)
	return &nethttp.Response{
		StatusCode: status,
		Header:     nethttp.Header{testContentTypeHdr: []string{testJSONType}},
		Body:       respBody,
		Request:    req,
	}, nil
}

func (s *scripted) sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

type countingThrottler struct {
	calls atomic.Int32
}

func (c *countingThrottler) Throttle() { c.calls.Add(1) }

// resendOn asks for a resend whenever the status matches, stamping the send number.
func resendOn(status int) ResponseInterceptorFunc {
	return func(ctx context.Context, chain *Chain, resp *nethttp.Response) (*nethttp.Request, error) {
		if resp.StatusCode != status {
			return nil, nil
		}
		next, err := CloneRequest(ctx, chain.Request)
		if err != nil {
			return nil, err
		}
		next.Header.Set("X-Resend", fmt.Sprint(len(chain.History)+1))
		return next, nil
	}
}

func TestNewClient(t *testing.T) {
	assert.NotNil(t, NewClient(createTestLogger()))
	assert.NotNil(t, NewClient(nil))
}

func TestBuilder(t *testing.T) {
	log := createTestLogger()

	t.Run("default configuration", func(t *testing.T) {
		impl := NewBuilder(log).Build().(*client)
		assert.Equal(t, DefaultTimeout, impl.httpClient.Timeout)
		assert.Equal(t, DefaultMaxResends, impl.config.MaxResends)
		assert.Nil(t, impl.limiter)
		assert.Nil(t, impl.config.Throttler)
	})

	t.Run("base URL trailing slash trimmed", func(t *testing.T) {
		impl := NewBuilder(log).WithBaseURL(testBaseURL + "/").Build().(*client)
		assert.Equal(t, testBaseURL, impl.config.BaseURL)
	})

	t.Run("custom http client is copied", func(t *testing.T) {
		custom := &nethttp.Client{Timeout: time.Second}
		impl := NewBuilder(log).WithHTTPClient(custom).WithTimeout(2 * time.Second).Build().(*client)
		assert.Equal(t, 2*time.Second, impl.httpClient.Timeout)
		assert.Equal(t, time.Second, custom.Timeout)
		assert.NotSame(t, custom, impl.httpClient)
	})

	t.Run("negative max resends ignored", func(t *testing.T) {
		impl := NewBuilder(log).WithMaxResends(-1).Build().(*client)
		assert.Equal(t, DefaultMaxResends, impl.config.MaxResends)
	})

	t.Run("pacing", func(t *testing.T) {
		impl := NewBuilder(log).WithPacing(5, 0).Build().(*client)
		require.NotNil(t, impl.limiter)
		assert.Equal(t, 1, impl.limiter.Burst())
	})
}

func TestDoResolvesURLs(t *testing.T) {
	var got []string
	rt := roundTripperFunc(func(req *nethttp.Request) (*nethttp.Response, error) {
		got = append(got, req.URL.String())
		return &nethttp.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("{}")), Request: req}, nil
	})
	c := NewBuilder(createTestLogger()).WithBaseURL(testBaseURL).WithTransport(rt).Build()
	ctx := context.Background()

	_, err := c.Get(ctx, &Request{URL: testPath})
	require.NoError(t, err)
	_, err = c.Get(ctx, &Request{URL: "https://www.example.com/r/golang/about"})
	require.NoError(t, err)
	_, err = c.Get(ctx, &Request{URL: "/message/inbox", Query: url.Values{"limit": {"5"}}})
	require.NoError(t, err)
	_, err = c.Get(ctx, &Request{URL: "/search?q=go", Query: url.Values{"sort": {"new"}}})
	require.NoError(t, err)

	assert.Equal(t, []string{
		testBaseURL + testPath,
		"https://www.example.com/r/golang/about",
		testBaseURL + "/message/inbox?limit=5",
		testBaseURL + "/search?q=go&sort=new",
	}, got)
}

func TestDoValidation(t *testing.T) {
	c := NewClient(createTestLogger())
	ctx := context.Background()

	_, err := c.Get(ctx, nil)
	assert.True(t, IsErrorType(err, ValidationError))

	_, err = c.Get(ctx, &Request{})
	assert.True(t, IsErrorType(err, ValidationError))

	_, err = c.Get(ctx, &Request{URL: testPath})
	assert.True(t, IsErrorType(err, ValidationError), "relative URL without base URL")
}

func TestDoHeadersBodyAndAuth(t *testing.T) {
	type captured struct {
		header nethttp.Header
		body   string
	}
	var (
		mu   sync.Mutex
		seen []captured
	)

	server := newIPv4TestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, captured{header: r.Header.Clone(), body: string(b)})
		mu.Unlock()
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	c := NewBuilder(createTestLogger()).
		WithBaseURL(server.URL).
		WithDefaultHeader(testUserAgent, testAgentValue).
		WithDefaultHeader("Accept", testJSONType).
		WithBasicAuth("client-id", "client-secret").
		Build()
	ctx := context.Background()

	resp, err := c.Post(ctx, &Request{URL: "/json", Body: []byte(`{"a":1}`), Headers: map[string]string{"Accept": "text/plain"}})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, 1, resp.Stats.Sends)
	assert.Equal(t, server.URL+"/json", resp.URL)

	_, err = c.Post(ctx, &Request{URL: "/form", Form: url.Values{"grant_type": {"password"}}, Auth: &BasicAuth{Username: "other", Password: "pw"}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, testAgentValue, seen[0].header.Get(testUserAgent))
	assert.Equal(t, "text/plain", seen[0].header.Get("Accept"))
	assert.Equal(t, testJSONType, seen[0].header.Get(testContentTypeHdr))
	assert.Equal(t, `{"a":1}`, seen[0].body)
	assert.True(t, strings.HasPrefix(seen[0].header.Get("Authorization"), "Basic "))

	assert.Equal(t, "application/x-www-form-urlencoded", seen[1].header.Get(testContentTypeHdr))
	assert.Equal(t, "grant_type=password", seen[1].body)
	req := &nethttp.Request{Header: seen[1].header}
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "other", user)
	assert.Equal(t, "pw", pass)
}

func TestDoNonSuccessReturnsStatusError(t *testing.T) {
	rt := &scripted{statuses: []int{nethttp.StatusNotFound}}
	c := NewBuilder(createTestLogger()).WithBaseURL(testBaseURL).WithTransport(rt).Build()

	resp, err := c.Get(context.Background(), &Request{URL: testPath})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
	assert.True(t, IsErrorType(err, HTTPError))
	assert.True(t, IsHTTPStatusError(err, nethttp.StatusNotFound))
	assert.False(t, IsHTTPStatusError(err, nethttp.StatusUnauthorized))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, `{"send":1}`, string(statusErr.Body))
	assert.Equal(t, nethttp.MethodGet, statusErr.Method)
}

func TestDoTransportErrors(t *testing.T) {
	t.Run("network", func(t *testing.T) {
		rt := roundTripperFunc(func(*nethttp.Request) (*nethttp.Response, error) {
			return nil, errors.New("connection refused")
		})
		c := NewBuilder(createTestLogger()).WithBaseURL(testBaseURL).WithTransport(rt).Build()

		_, err := c.Get(context.Background(), &Request{URL: testPath})
		assert.True(t, IsErrorType(err, NetworkError))
	})

	t.Run("timeout", func(t *testing.T) {
		rt := roundTripperFunc(func(*nethttp.Request) (*nethttp.Response, error) {
			return nil, context.DeadlineExceeded
		})
		c := NewBuilder(createTestLogger()).WithBaseURL(testBaseURL).WithTransport(rt).Build()

		_, err := c.Get(context.Background(), &Request{URL: testPath})
		assert.True(t, IsErrorType(err, TimeoutError))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("server slower than timeout", func(t *testing.T) {
		server := newIPv4TestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(nethttp.StatusOK)
		}))
		c := NewBuilder(createTestLogger()).WithTimeout(20 * time.Millisecond).Build()

		_, err := c.Get(context.Background(), &Request{URL: server.URL})
		assert.True(t, IsErrorType(err, TimeoutError))
	})
}

func TestDoThrottlesAndInterceptsEverySend(t *testing.T) {
	rt := &scripted{statuses: []int{nethttp.StatusUnauthorized, nethttp.StatusOK}}
	throttler := &countingThrottler{}
	var stamped atomic.Int32

	c := NewBuilder(createTestLogger()).
		WithBaseURL(testBaseURL).
		WithTransport(rt).
		WithThrottler(throttler).
		WithRequestInterceptor(func(_ context.Context, req *nethttp.Request) error {
			stamped.Add(1)
			req.Header.Set("X-Stamp", fmt.Sprint(stamped.Load()))
			return nil
		}).
		WithResponseInterceptor(resendOn(nethttp.StatusUnauthorized)).
		Build()

	resp, err := c.Post(context.Background(), &Request{URL: "/api/comment", Body: []byte(`{"text":"hi"}`)})
	require.NoError(t, err)

	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, resp.Stats.Sends)
	assert.Equal(t, `{"send":2}`, string(resp.Body))
	assert.Equal(t, int32(2), throttler.calls.Load())
	assert.Equal(t, int32(2), stamped.Load())

	require.Equal(t, 2, rt.sends())
	assert.Equal(t, `{"text":"hi"}`, rt.bodies[1], "body replayed on resend")
	assert.Equal(t, "1", rt.seen[1].Header.Get("X-Resend"))
	assert.True(t, rt.served[0].closed.Load(), "superseded body closed")
}

func TestDoResponseInterceptorsRunInOrder(t *testing.T) {
	rt := &scripted{statuses: []int{nethttp.StatusOK}}
	var order []string
	record := func(name string) ResponseInterceptorFunc {
		return func(context.Context, *Chain, *nethttp.Response) (*nethttp.Request, error) {
			order = append(order, name)
			return nil, nil
		}
	}

	c := NewBuilder(createTestLogger()).
		WithBaseURL(testBaseURL).
		WithTransport(rt).
		WithResponseInterceptor(record("rate")).
		WithResponseInterceptor(record("reauth")).
		Build()

	_, err := c.Get(context.Background(), &Request{URL: testPath})
	require.NoError(t, err)
	assert.Equal(t, []string{"rate", "reauth"}, order)
}

var errTerminal = errors.New("terminal interceptor failure")

func TestDoInterceptorErrorsSurfaceUnchanged(t *testing.T) {
	rt := &scripted{statuses: []int{nethttp.StatusForbidden}}
	c := NewBuilder(createTestLogger()).
		WithBaseURL(testBaseURL).
		WithTransport(rt).
		WithResponseInterceptor(ResponseInterceptorFunc(func(context.Context, *Chain, *nethttp.Response) (*nethttp.Request, error) {
			return nil, errTerminal
		})).
		Build()

	resp, err := c.Get(context.Background(), &Request{URL: testPath})
	assert.Nil(t, resp)
	assert.Same(t, errTerminal, err)
	assert.True(t, rt.served[0].closed.Load())
}

func TestDoRequestInterceptorError(t *testing.T) {
	rt := &scripted{statuses: []int{nethttp.StatusOK}}
	c := NewBuilder(createTestLogger()).
		WithBaseURL(testBaseURL).
		WithTransport(rt).
		WithRequestInterceptor(func(context.Context, *nethttp.Request) error { return errTerminal }).
		Build()

	_, err := c.Get(context.Background(), &Request{URL: testPath})
	assert.True(t, IsErrorType(err, InterceptorError))
	assert.ErrorIs(t, err, errTerminal)
	assert.Equal(t, 0, rt.sends())
}

func TestDoResendLimit(t *testing.T) {
	rt := &scripted{statuses: []int{401, 401, 401, 401}}
	c := NewBuilder(createTestLogger()).
		WithBaseURL(testBaseURL).
		WithTransport(rt).
		WithMaxResends(2).
		WithResponseInterceptor(resendOn(nethttp.StatusUnauthorized)).
		Build()

	_, err := c.Get(context.Background(), &Request{URL: testPath})
	assert.True(t, IsErrorType(err, InterceptorError))
	assert.Equal(t, 3, rt.sends())
}

func TestDoPacingHonoursContext(t *testing.T) {
	rt := &scripted{statuses: []int{nethttp.StatusOK}}
	c := NewBuilder(createTestLogger()).WithBaseURL(testBaseURL).WithTransport(rt).WithPacing(0.001, 1).Build()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, &Request{URL: testPath})
	assert.True(t, IsErrorType(err, NetworkError))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rt.sends())
}

func TestChainURLsFollowRedirects(t *testing.T) {
	var hops []string // appended on the calling goroutine
	mux := nethttp.NewServeMux()
	mux.HandleFunc("/old", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.Redirect(w, r, "/new", nethttp.StatusFound)
	})
	mux.HandleFunc("/new", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
	})
	server := newIPv4TestServer(t, mux)

	c := NewBuilder(createTestLogger()).
		WithBaseURL(server.URL).
		WithResponseInterceptor(ResponseInterceptorFunc(func(_ context.Context, chain *Chain, resp *nethttp.Response) (*nethttp.Request, error) {
			for _, u := range chain.URLs(resp) {
				hops = append(hops, u.Path)
			}
			return nil, nil
		})).
		Build()

	_, err := c.Get(context.Background(), &Request{URL: "/old"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/old", "/new"}, hops)
}

func TestChainCountersAndDispatch(t *testing.T) {
	rt := &scripted{statuses: []int{nethttp.StatusOK}}
	c := NewBuilder(createTestLogger()).WithBaseURL(testBaseURL).WithTransport(rt).Build()

	req, err := nethttp.NewRequestWithContext(context.Background(), nethttp.MethodGet, testBaseURL+testPath, nil)
	require.NoError(t, err)
	chain := NewChain("alice", req, c)

	assert.Equal(t, 0, chain.Counter("reauth"))
	chain.SetCounter("reauth", 2)
	assert.Equal(t, 2, chain.Counter("reauth"))

	resp, err := chain.Dispatch(context.Background(), nethttp.MethodGet, &Request{URL: "/api/v1/scopes"})
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, testBaseURL+"/api/v1/scopes", rt.seen[0].URL.String())

	_, err = NewChain("", req, nil).Dispatch(context.Background(), nethttp.MethodGet, &Request{URL: testPath})
	assert.True(t, IsErrorType(err, ValidationError))
}

func TestCloneRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("rewinds body", func(t *testing.T) {
		req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, testBaseURL, strings.NewReader("payload"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "bearer T1")
		_, _ = io.ReadAll(req.Body)

		clone, err := CloneRequest(ctx, req)
		require.NoError(t, err)
		b, err := io.ReadAll(clone.Body)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(b))

		clone.Header.Set("Authorization", "bearer T2")
		assert.Equal(t, "bearer T1", req.Header.Get("Authorization"))
	})

	t.Run("no body", func(t *testing.T) {
		req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, testBaseURL, nil)
		require.NoError(t, err)
		clone, err := CloneRequest(ctx, req)
		require.NoError(t, err)
		assert.Nil(t, clone.Body)
	})

	t.Run("body cannot be replayed", func(t *testing.T) {
		req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, testBaseURL, io.NopCloser(strings.NewReader("x")))
		require.NoError(t, err)
		_, err = CloneRequest(ctx, req)
		assert.True(t, IsErrorType(err, ValidationError))
	})
}

func TestDoRecordsTelemetry(t *testing.T) {
	mp := obtest.NewTestMeterProvider()
	tp := obtest.NewTestTraceProvider()
	rt := &scripted{statuses: []int{nethttp.StatusOK, nethttp.StatusNotFound}}

	c := NewBuilder(createTestLogger()).
		WithBaseURL(testBaseURL).
		WithTransport(rt).
		WithMeterProvider(mp).
		WithTracerProvider(tp).
		Build()

	_, err := c.Get(context.Background(), &Request{URL: testPath})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), &Request{URL: testPath})
	require.Error(t, err)

	rm := mp.Collect(t)
	assert.Equal(t, int64(2), obtest.SumInt64(rm, metricRequests))
	assert.Equal(t, int64(1), obtest.SumInt64(rm, metricRequests, attribute.Int(attrStatus, 404), attribute.String(attrErrorType, "http")))
	assert.Equal(t, uint64(2), obtest.HistogramCount(rm, metricDuration))

	spans := tp.SpansNamed("http.client.request")
	require.Len(t, spans, 2)
	obtest.AssertSpanAttribute(t, &spans[1], attrStatus, 404)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}
