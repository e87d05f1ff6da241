package reddit

import (
	"github.com/gaborage/go-snoo/auth"
	"github.com/gaborage/go-snoo/config"
	"github.com/gaborage/go-snoo/logger"
	"github.com/gaborage/go-snoo/ratelimit"
)

// NewSharedFromConfig creates the shared state with the configured
// rate-limit settings.
func NewSharedFromConfig(cfg *config.Config, log logger.Logger, opts ...ratelimit.Option) *Shared {
	base := []ratelimit.Option{ratelimit.WithSettings(cfg.Rate), ratelimit.WithLogger(log)}
	return NewShared(append(base, opts...)...)
}

// OptionsFromConfig translates the api and reauth sections into client options.
func OptionsFromConfig(cfg *config.Config, log logger.Logger) []Option {
	opts := []Option{
		WithHosts(cfg.API.PublicURL, cfg.API.OAuthURL),
		WithTokenURL(cfg.API.TokenURL),
		WithTimeout(cfg.API.Timeout),
		WithMaxResends(cfg.API.MaxResends),
		WithReauth(cfg.Reauth.MaxRetries, cfg.Reauth.InvalidStatuses...),
		WithLogger(log),
	}
	if cfg.API.UserAgent != "" {
		opts = append(opts, WithUserAgent(cfg.API.UserAgent))
	}
	if cfg.API.Pacing.RPS > 0 {
		opts = append(opts, WithPacing(cfg.API.Pacing.RPS, cfg.API.Pacing.Burst))
	}
	return opts
}

// NewFromConfig creates the clients described by cfg. The authenticated
// variant is only built when an account is configured. extra options are
// applied after the configured ones.
func NewFromConfig(cfg *config.Config, shared *Shared, log logger.Logger, extra ...Option) (*Client, error) {
	opts := append(OptionsFromConfig(cfg, log), extra...)

	if !cfg.Auth.Configured() {
		return &Client{Anonymous: NewAnonymous(shared, opts...)}, nil
	}

	return New(shared,
		auth.ClientCredentials{ClientID: cfg.Auth.ClientID, ClientSecret: cfg.Auth.ClientSecret},
		auth.Account{Username: cfg.Auth.Username, Password: cfg.Auth.Password},
		opts...)
}

// RequireAuthenticated returns the authenticated variant, or a not-configured
// error when no account was configured.
func (c *Client) RequireAuthenticated() (*AuthenticatedClient, error) {
	if c.Authenticated == nil {
		return nil, config.NewNotConfiguredError("auth", config.EnvVar("auth.username"), "auth.username")
	}
	return c.Authenticated, nil
}
