package auth

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gaborage/go-snoo/credential"
	snoohttp "github.com/gaborage/go-snoo/http"
	"github.com/gaborage/go-snoo/logger"
	"github.com/gaborage/go-snoo/observability"
)

const (
	// DefaultTokenURL is the OAuth2 token endpoint.
	DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"

	GrantPassword     = "password"
	GrantRefreshToken = "refresh_token"

	instrumentationName = "github.com/gaborage/go-snoo/auth"
	metricRefreshes     = "auth.token.refreshes"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// ClientCredentials identify the registered application; they are sent as
// HTTP Basic auth on every token request.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Account holds the user credentials for the password grant.
type Account struct {
	Username string
	Password string
}

// TokenResponse is the token endpoint's JSON body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Error        string `json:"error,omitempty"`
}

// DispatchFunc sends a request through an API client. Both http.Client.Do
// and http.Chain.Dispatch fit.
type DispatchFunc func(ctx context.Context, method string, req *snoohttp.Request) (*snoohttp.Response, error)

// TokenClient obtains access tokens from the token endpoint.
type TokenClient struct {
	endpoint  *url.URL
	client    ClientCredentials
	account   Account
	logger    logger.Logger
	refreshes metric.Int64Counter
}

// TokenOption configures a TokenClient
type TokenOption func(*tokenOptions)

type tokenOptions struct {
	url           string
	logger        logger.Logger
	meterProvider metric.MeterProvider
}

// WithTokenURL overrides DefaultTokenURL
func WithTokenURL(u string) TokenOption {
	return func(o *tokenOptions) { o.url = u }
}

// WithTokenLogger sets the logger
func WithTokenLogger(l logger.Logger) TokenOption {
	return func(o *tokenOptions) { o.logger = l }
}

// WithTokenMeterProvider records refreshes on mp instead of the global provider
func WithTokenMeterProvider(mp metric.MeterProvider) TokenOption {
	return func(o *tokenOptions) { o.meterProvider = mp }
}

// NewTokenClient creates a token client for one account.
func NewTokenClient(client ClientCredentials, account Account, opts ...TokenOption) (*TokenClient, error) {
	o := tokenOptions{url: DefaultTokenURL}
	for _, opt := range opts {
		opt(&o)
	}

	endpoint, err := url.Parse(o.url)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("auth: invalid token URL %q", o.url)
	}

	tc := &TokenClient{
		endpoint: endpoint,
		client:   client,
		account:  account,
		logger:   logger.OrNop(o.logger),
	}

	mp := o.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	tc.refreshes, err = observability.CreateCounter(mp.Meter(instrumentationName), metricRefreshes,
		"Token endpoint calls by grant and outcome", metric.WithUnit("{call}"))
	if err != nil {
		tc.logger.Warn().Err(err).Str("metric", metricRefreshes).Msg("Failed to create metric instrument")
	}
	return tc, nil
}

// URL returns the token endpoint.
func (tc *TokenClient) URL() string {
	return tc.endpoint.String()
}

// IsTokenEndpoint reports whether u addresses the token endpoint. Query and
// trailing slash are ignored; the host compares case-insensitively.
func (tc *TokenClient) IsTokenEndpoint(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Host, tc.endpoint.Host) &&
		strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(tc.endpoint.Path, "/")
}

// Form builds the grant for current: refresh_token when a refresh token is
// stored, password otherwise.
func (tc *TokenClient) Form(current *credential.Credential) (url.Values, error) {
	if current != nil {
		if refresh := current.RefreshToken(); refresh != "" {
			return url.Values{
				"grant_type":    {GrantRefreshToken},
				"refresh_token": {refresh},
			}, nil
		}
	}
	return tc.passwordForm()
}

func (tc *TokenClient) passwordForm() (url.Values, error) {
	if tc.account.Username == "" || tc.account.Password == "" {
		return nil, ErrMissingPassword
	}
	return url.Values{
		"grant_type": {GrantPassword},
		"username":   {tc.account.Username},
		"password":   {tc.account.Password},
	}, nil
}

// Fetch requests a token pair for current through do. Non-2xx answers come
// back as the dispatcher's *http.StatusError.
func (tc *TokenClient) Fetch(ctx context.Context, do DispatchFunc, current *credential.Credential) (credential.TokenPair, error) {
	form, err := tc.Form(current)
	if err != nil {
		return credential.TokenPair{}, err
	}
	return tc.fetch(ctx, do, form)
}

// Login requests a token pair with the password grant.
func (tc *TokenClient) Login(ctx context.Context, do DispatchFunc) (credential.TokenPair, error) {
	form, err := tc.passwordForm()
	if err != nil {
		return credential.TokenPair{}, err
	}
	return tc.fetch(ctx, do, form)
}

func (tc *TokenClient) fetch(ctx context.Context, do DispatchFunc, form url.Values) (credential.TokenPair, error) {
	grant := form.Get("grant_type")

	resp, err := do(ctx, nethttp.MethodPost, &snoohttp.Request{
		URL:  tc.endpoint.String(),
		Form: form,
		Auth: &snoohttp.BasicAuth{Username: tc.client.ClientID, Password: tc.client.ClientSecret},
	})
	if err != nil {
		tc.record(ctx, grant, outcomeFailure)
		tc.logger.Error().Err(err).Str("grant_type", grant).Str("username", tc.account.Username).Msg("Token request failed")
		return credential.TokenPair{}, err
	}

	pair, err := parseTokenResponse(resp.Body)
	if err != nil {
		tc.record(ctx, grant, outcomeFailure)
		tc.logger.Error().Err(err).Str("grant_type", grant).Str("username", tc.account.Username).Msg("Token response rejected")
		return credential.TokenPair{}, err
	}

	tc.record(ctx, grant, outcomeSuccess)
	tc.logger.Info().
		Str("grant_type", grant).
		Str("username", tc.account.Username).
		Bool("refresh_token_issued", pair.RefreshToken != "").
		Msg("Access token obtained")
	return pair, nil
}

func parseTokenResponse(body []byte) (credential.TokenPair, error) {
	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return credential.TokenPair{}, fmt.Errorf("auth: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		if tr.Error != "" {
			return credential.TokenPair{}, fmt.Errorf("%w: %s", ErrMissingAccessToken, tr.Error)
		}
		return credential.TokenPair{}, ErrMissingAccessToken
	}
	return credential.TokenPair{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}, nil
}

func (tc *TokenClient) record(ctx context.Context, grant, outcome string) {
	if tc.refreshes == nil {
		return
	}
	tc.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant", grant),
		attribute.String("outcome", outcome),
	))
}
