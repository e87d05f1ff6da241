// Package auth obtains OAuth2 access tokens and keeps authenticated calls
// working across token expiry.
package auth

import (
	"context"
	nethttp "net/http"

	"github.com/gaborage/go-snoo/credential"
	snoohttp "github.com/gaborage/go-snoo/http"
)

// BearerInterceptor stamps the stored access token of identity on every
// send. Requests that already carry an Authorization header are left alone,
// which keeps Basic auth on token requests and refreshed tokens on resends.
func BearerInterceptor(store *credential.Store, identity string) snoohttp.RequestInterceptor {
	return func(_ context.Context, req *nethttp.Request) error {
		if req.Header.Get("Authorization") != "" {
			return nil
		}
		if cred, ok := store.Get(identity); ok && cred.AccessToken() != "" {
			cred.Apply(req)
		}
		return nil
	}
}
