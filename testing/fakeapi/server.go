// Package fakeapi runs an in-process stand-in for the remote API: a token
// endpoint issuing sequential access tokens, an authenticated identity
// resource and a public listing, all reporting rate-limit headers.
package fakeapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/trace"
)

// Routes served by the fake.
const (
	TokenPath = "/api/v1/access_token"
	MePath    = "/api/v1/me"
	AboutPath = "/r/:subreddit/about.json"

	// TokenRedirectPath redirects to the token endpoint, which rejects GETs.
	TokenRedirectPath = "/api/v1/me/redirect"
)

// Seen is one request received on an API route.
type Seen struct {
	Path          string
	Authorization string
	RequestID     string
	UserAgent     string
}

// RateHeaders are echoed on every API response when set.
type RateHeaders struct {
	Used      string
	Remaining string
	Reset     string
}

// Server is a running fake API.
type Server struct {
	URL string

	clientID     string
	clientSecret string
	username     string
	password     string
	issueRefresh bool
	tokenStatus  int
	tokenBody    string
	rejectAll    bool
	rate         *RateHeaders
	tp           trace.TracerProvider

	mu     sync.Mutex
	valid  string
	issued int
	grants []url.Values
	script []int
	seen   []Seen
}

// Option configures a Server
type Option func(*Server)

// WithClientCredentials sets the Basic auth the token endpoint accepts
func WithClientCredentials(id, secret string) Option {
	return func(s *Server) { s.clientID, s.clientSecret = id, secret }
}

// WithAccount sets the username and password accepted by the password grant
func WithAccount(username, password string) Option {
	return func(s *Server) { s.username, s.password = username, password }
}

// WithoutRefreshTokens stops the token endpoint from issuing refresh tokens
func WithoutRefreshTokens() Option {
	return func(s *Server) { s.issueRefresh = false }
}

// WithTokenStatus makes every token request fail with status
func WithTokenStatus(status int) Option {
	return func(s *Server) { s.tokenStatus = status }
}

// WithTokenBody replaces the token endpoint's success body
func WithTokenBody(body string) Option {
	return func(s *Server) { s.tokenBody = body }
}

// WithRejectAll makes the identity resource reject every token
func WithRejectAll() Option {
	return func(s *Server) { s.rejectAll = true }
}

// WithScript answers identity requests with statuses in order, ignoring the
// token, before falling back to normal validation
func WithScript(statuses ...int) Option {
	return func(s *Server) { s.script = append(s.script, statuses...) }
}

// WithRateHeaders adds rate-limit headers to API responses
func WithRateHeaders(h RateHeaders) Option {
	return func(s *Server) { s.rate = &h }
}

// WithTracerProvider traces incoming requests on tp
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tp = tp }
}

// Start runs a fake API until the returned server is closed.
func Start(opts ...Option) (*Server, func()) {
	s := &Server{
		clientID:     "client-id",
		clientSecret: "client-secret",
		username:     "alice",
		password:     "hunter2",
		issueRefresh: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	otelOpts := []otelecho.Option{}
	if s.tp != nil {
		otelOpts = append(otelOpts, otelecho.WithTracerProvider(s.tp))
	}
	e.Use(otelecho.Middleware("fakeapi", otelOpts...))

	e.POST(TokenPath, s.token)
	e.GET(TokenPath, s.tokenGet)
	e.GET(TokenRedirectPath, s.redirectToToken, s.record)
	e.GET(MePath, s.me, s.record)
	e.GET(AboutPath, s.about, s.record)

	srv := httptest.NewServer(e)
	s.URL = srv.URL
	return s, srv.Close
}

// Install makes token the one the identity resource accepts, as if the token
// endpoint had issued it.
func (s *Server) Install(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = token
}

// TokenCalls returns how many token requests were received.
func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// Grants returns the forms of every token request, oldest first.
func (s *Server) Grants() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.grants...)
}

// Seen returns every API request received, oldest first.
func (s *Server) Seen() []Seen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Seen(nil), s.seen...)
}

// TokenURL is the token endpoint of the fake.
func (s *Server) TokenURL() string {
	return s.URL + TokenPath
}

func (s *Server) token(c echo.Context) error {
	id, secret, ok := c.Request().BasicAuth()
	form, err := c.FormParams()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, form)

	if s.tokenStatus != 0 {
		return c.JSON(s.tokenStatus, map[string]string{"message": http.StatusText(s.tokenStatus)})
	}
	if !ok || id != s.clientID || secret != s.clientSecret {
		return c.JSON(http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
	}
	switch form.Get("grant_type") {
	case "password":
		if form.Get("username") != s.username || form.Get("password") != s.password {
			return c.JSON(http.StatusOK, map[string]string{"error": "invalid_grant"})
		}
	case "refresh_token":
		if form.Get("refresh_token") == "" {
			return c.JSON(http.StatusOK, map[string]string{"error": "invalid_request"})
		}
	default:
		return c.JSON(http.StatusOK, map[string]string{"error": "unsupported_grant_type"})
	}
	if s.tokenBody != "" {
		return c.JSONBlob(http.StatusOK, []byte(s.tokenBody))
	}

	s.issued++
	s.valid = "T" + strconv.Itoa(s.issued+1)
	body := map[string]any{
		"access_token": s.valid,
		"token_type":   "bearer",
		"expires_in":   3600,
		"scope":        "*",
	}
	if s.issueRefresh {
		body["refresh_token"] = fmt.Sprintf("R%d", s.issued+1)
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) tokenGet(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
}

func (s *Server) redirectToToken(c echo.Context) error {
	return c.Redirect(http.StatusTemporaryRedirect, TokenPath)
}

func (s *Server) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		s.mu.Lock()
		s.seen = append(s.seen, Seen{
			Path:          req.URL.Path,
			Authorization: req.Header.Get(echo.HeaderAuthorization),
			RequestID:     req.Header.Get(echo.HeaderXRequestID),
			UserAgent:     req.UserAgent(),
		})
		s.mu.Unlock()

		if s.rate != nil {
			h := c.Response().Header()
			h.Set("X-Ratelimit-Used", s.rate.Used)
			h.Set("X-Ratelimit-Remaining", s.rate.Remaining)
			h.Set("X-Ratelimit-Reset", s.rate.Reset)
		}
		return next(c)
	}
}

func (s *Server) me(c echo.Context) error {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)

	s.mu.Lock()
	status := 0
	if len(s.script) > 0 {
		status, s.script = s.script[0], s.script[1:]
	}
	accepted := !s.rejectAll && s.valid != "" && auth == "bearer "+s.valid
	s.mu.Unlock()

	switch {
	case status != 0 && status != http.StatusOK:
		return c.JSON(status, map[string]any{"message": http.StatusText(status), "error": status})
	case status == http.StatusOK || accepted:
		return c.JSON(http.StatusOK, map[string]any{"name": s.username, "id": "t2_fake"})
	default:
		return c.JSON(http.StatusUnauthorized, map[string]any{"message": "Unauthorized", "error": http.StatusUnauthorized})
	}
}

func (s *Server) about(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"kind": "t5",
		"data": map[string]any{"display_name": c.Param("subreddit")},
	})
}
