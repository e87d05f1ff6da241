package auth

import (
	"context"
	nethttp "net/http"
	"strings"

	"github.com/gaborage/go-snoo/credential"
	snoohttp "github.com/gaborage/go-snoo/http"
	"github.com/gaborage/go-snoo/logger"
)

const (
	// DefaultMaxRetries is the number of token refreshes one call may trigger.
	DefaultMaxRetries = 2

	reauthCounter = "auth.reauth"
)

// DefaultInvalidStatuses are the statuses that mean the access token was rejected.
var DefaultInvalidStatuses = []int{nethttp.StatusUnauthorized, nethttp.StatusForbidden}

// ReauthInterceptor refreshes the identity's access token when a response
// reports it invalid and resends the request with the new token.
type ReauthInterceptor struct {
	store      *credential.Store
	tokens     *TokenClient
	maxRetries int
	invalid    map[int]struct{}
	logger     logger.Logger
}

var _ snoohttp.ResponseInterceptor = (*ReauthInterceptor)(nil)

// ReauthOption configures a ReauthInterceptor
type ReauthOption func(*ReauthInterceptor)

// WithMaxRetries bounds the refreshes per call. Negative values are ignored.
func WithMaxRetries(n int) ReauthOption {
	return func(r *ReauthInterceptor) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithInvalidStatuses replaces DefaultInvalidStatuses
func WithInvalidStatuses(statuses ...int) ReauthOption {
	return func(r *ReauthInterceptor) {
		r.invalid = statusSet(statuses)
	}
}

// WithReauthLogger sets the logger
func WithReauthLogger(l logger.Logger) ReauthOption {
	return func(r *ReauthInterceptor) { r.logger = l }
}

// NewReauthInterceptor creates the interceptor for clients sharing store.
func NewReauthInterceptor(store *credential.Store, tokens *TokenClient, opts ...ReauthOption) *ReauthInterceptor {
	r := &ReauthInterceptor{
		store:      store,
		tokens:     tokens,
		maxRetries: DefaultMaxRetries,
		invalid:    statusSet(DefaultInvalidStatuses),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.OrNop(r.logger)
	return r
}

func statusSet(statuses []int) map[int]struct{} {
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

// Intercept implements snoohttp.ResponseInterceptor. Responses from the token
// endpoint always pass through so a rejected refresh surfaces to its caller.
func (r *ReauthInterceptor) Intercept(ctx context.Context, chain *snoohttp.Chain, resp *nethttp.Response) (*nethttp.Request, error) {
	for _, u := range chain.URLs(resp) {
		if r.tokens.IsTokenEndpoint(u) {
			return nil, nil
		}
	}

	if _, ok := r.invalid[resp.StatusCode]; !ok {
		chain.SetCounter(reauthCounter, 0)
		return nil, nil
	}

	attempts := chain.Counter(reauthCounter) + 1
	chain.SetCounter(reauthCounter, attempts)
	if attempts > r.maxRetries {
		err := &TokenRefreshError{
			Identity: chain.Identity,
			Method:   chain.Request.Method,
			URL:      chain.Request.URL.String(),
			Status:   resp.StatusCode,
			Attempts: attempts,
		}
		r.logger.Error().Err(err).
			Str("identity", chain.Identity).
			Int("status", resp.StatusCode).
			Msg("Access token still rejected after refresh")
		return nil, err
	}

	used := bearerToken(chain.Request)
	cred, err := r.store.Refresh(ctx, chain.Identity, func(ctx context.Context, current *credential.Credential) (credential.TokenPair, error) {
		// Another call already replaced the token this request was sent with.
		if current != nil && current.AccessToken() != "" && current.AccessToken() != used {
			return credential.TokenPair{AccessToken: current.AccessToken()}, nil
		}
		return r.tokens.Fetch(ctx, chain.Dispatch, current)
	})
	if err != nil {
		return nil, err
	}

	next, err := snoohttp.CloneRequest(ctx, chain.Request)
	if err != nil {
		return nil, err
	}
	cred.Apply(next)

	r.logger.Debug().
		Str("identity", chain.Identity).
		Int("status", resp.StatusCode).
		Int("attempt", attempts).
		Msg("Resending with refreshed access token")
	return next, nil
}

// bearerToken returns the token req was sent with, "" if it carried none.
func bearerToken(req *nethttp.Request) string {
	scheme, token, ok := strings.Cut(req.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
