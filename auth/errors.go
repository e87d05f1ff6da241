package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenRefreshLoop means refreshed tokens keep being rejected. It is
	// terminal: retrying the call will not help until the account is fixed.
	ErrTokenRefreshLoop = errors.New("auth: token refresh retry limit exceeded")

	// ErrMissingAccessToken is returned for a token response without access_token.
	ErrMissingAccessToken = errors.New("auth: token response has no access_token")

	// ErrMissingPassword is returned when a password grant is needed but no
	// account password is configured.
	ErrMissingPassword = errors.New("auth: password grant requires username and password")
)

// TokenRefreshError reports the call that exhausted its reauth budget.
type TokenRefreshError struct {
	Identity string
	Method   string
	URL      string
	Status   int
	Attempts int
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("auth: %s %s for %q still rejected with status %d after %d token refreshes",
		e.Method, e.URL, e.Identity, e.Status, e.Attempts-1)
}

// Unwrap returns ErrTokenRefreshLoop.
func (e *TokenRefreshError) Unwrap() error {
	return ErrTokenRefreshLoop
}
