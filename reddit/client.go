// Package reddit assembles the anonymous and authenticated API clients. All
// clients built from one Shared value see the same credentials and the same
// rate-limit windows.
package reddit

import (
	"context"
	"errors"
	"fmt"

	"github.com/gaborage/go-snoo/auth"
	"github.com/gaborage/go-snoo/credential"
	snoohttp "github.com/gaborage/go-snoo/http"
	"github.com/gaborage/go-snoo/ratelimit"
	"github.com/gaborage/go-snoo/trace"
)

const (
	// PublicBaseURL serves anonymous calls and the token endpoint.
	PublicBaseURL = "https://www.reddit.com"
	// OAuthBaseURL serves calls made with a bearer token.
	OAuthBaseURL = "https://oauth.reddit.com"

	// AnonymousIdentity keys the state of unauthenticated calls. No account
	// can have an empty name.
	AnonymousIdentity = ""

	// Version is reported in the default User-Agent.
	Version = "0.1.0"
)

// ErrAnonymousIdentity is returned when an authenticated client is requested
// without a username.
var ErrAnonymousIdentity = errors.New("reddit: authenticated client requires a username")

// UserAgent builds the default User-Agent for username.
func UserAgent(version, username string) string {
	ua := "go:com.github.gaborage.go-snoo:v" + version
	if username != "" {
		ua += " (by u/" + username + ")"
	}
	return ua
}

// Shared is the process-wide state clients are built from. Construct it once.
type Shared struct {
	Store    *credential.Store
	Registry *ratelimit.Registry
}

// NewShared creates an empty credential store and a tracker registry.
func NewShared(opts ...ratelimit.Option) *Shared {
	return &Shared{
		Store:    credential.NewStore(),
		Registry: ratelimit.NewRegistry(opts...),
	}
}

// AnonymousClient issues unauthenticated calls against the public host.
type AnonymousClient struct {
	snoohttp.Client
	tracker *ratelimit.Tracker
}

// NewAnonymous creates a client for AnonymousIdentity.
func NewAnonymous(shared *Shared, opts ...Option) *AnonymousClient {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	tracker := shared.Registry.Tracker(AnonymousIdentity)
	client := o.builder(AnonymousIdentity, o.publicURL).
		WithThrottler(tracker).
		WithRequestInterceptor(trace.StampRequestID).
		WithResponseInterceptor(ratelimit.NewInterceptor(shared.Registry)).
		Build()

	return &AnonymousClient{Client: client, tracker: tracker}
}

// RateWindow returns the rate-limit window of anonymous calls.
func (c *AnonymousClient) RateWindow() ratelimit.Window {
	return c.tracker.Window()
}

// AuthenticatedClient issues calls on behalf of one account, refreshing its
// token transparently.
type AuthenticatedClient struct {
	snoohttp.Client
	identity string
	store    *credential.Store
	tokens   *auth.TokenClient
	tracker  *ratelimit.Tracker
}

// NewAuthenticated creates a client for account. Nothing is sent until the
// first call or Login.
func NewAuthenticated(shared *Shared, app auth.ClientCredentials, account auth.Account, opts ...Option) (*AuthenticatedClient, error) {
	if account.Username == AnonymousIdentity {
		return nil, ErrAnonymousIdentity
	}

	o := defaultOptions()
	o.agentUser = account.Username
	for _, opt := range opts {
		opt(&o)
	}

	tokenOpts := []auth.TokenOption{auth.WithTokenURL(o.tokenURL), auth.WithTokenLogger(o.logger)}
	if o.meterProvider != nil {
		tokenOpts = append(tokenOpts, auth.WithTokenMeterProvider(o.meterProvider))
	}
	tokens, err := auth.NewTokenClient(app, account, tokenOpts...)
	if err != nil {
		return nil, err
	}

	reauthOpts := []auth.ReauthOption{auth.WithMaxRetries(o.maxRetries), auth.WithReauthLogger(o.logger)}
	if len(o.invalidStatuses) > 0 {
		reauthOpts = append(reauthOpts, auth.WithInvalidStatuses(o.invalidStatuses...))
	}

	identity := account.Username
	tracker := shared.Registry.Tracker(identity)
	client := o.builder(identity, o.oauthURL).
		WithThrottler(tracker).
		WithRequestInterceptor(trace.StampRequestID).
		WithRequestInterceptor(auth.BearerInterceptor(shared.Store, identity)).
		WithResponseInterceptor(ratelimit.NewInterceptor(shared.Registry)).
		WithResponseInterceptor(auth.NewReauthInterceptor(shared.Store, tokens, reauthOpts...)).
		Build()

	return &AuthenticatedClient{
		Client:   client,
		identity: identity,
		store:    shared.Store,
		tokens:   tokens,
		tracker:  tracker,
	}, nil
}

// Identity returns the account name the client acts for.
func (c *AuthenticatedClient) Identity() string {
	return c.identity
}

// Login obtains a token with the password grant up front. Concurrent logins
// and refreshes of the identity share one token call.
func (c *AuthenticatedClient) Login(ctx context.Context) error {
	_, err := c.store.Refresh(ctx, c.identity, func(ctx context.Context, _ *credential.Credential) (credential.TokenPair, error) {
		return c.tokens.Login(ctx, c.Do)
	})
	if err != nil {
		return fmt.Errorf("reddit: login %q: %w", c.identity, err)
	}
	return nil
}

// Credential returns the stored credential of the identity, if any.
func (c *AuthenticatedClient) Credential() (*credential.Credential, bool) {
	return c.store.Get(c.identity)
}

// RateWindow returns the rate-limit window of the identity.
func (c *AuthenticatedClient) RateWindow() ratelimit.Window {
	return c.tracker.Window()
}

// Client pairs the anonymous client with an optional authenticated one.
type Client struct {
	Anonymous     *AnonymousClient
	Authenticated *AuthenticatedClient
}

// New creates both variants for account.
func New(shared *Shared, app auth.ClientCredentials, account auth.Account, opts ...Option) (*Client, error) {
	authenticated, err := NewAuthenticated(shared, app, account, opts...)
	if err != nil {
		return nil, err
	}
	anonymousOpts := append([]Option{withAgentUser(account.Username)}, opts...)
	return &Client{
		Anonymous:     NewAnonymous(shared, anonymousOpts...),
		Authenticated: authenticated,
	}, nil
}
