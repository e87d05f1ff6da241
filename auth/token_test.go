package auth

import (
	"context"
	nethttp "net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gaborage/go-snoo/credential"
	snoohttp "github.com/gaborage/go-snoo/http"
	obtest "github.com/gaborage/go-snoo/observability/testing"
	"github.com/gaborage/go-snoo/testing/fakeapi"
)

func TestNewTokenClientDefaults(t *testing.T) {
	tc, err := NewTokenClient(testClientCredentials, Account{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTokenURL, tc.URL())
}

func TestNewTokenClientRejectsInvalidURL(t *testing.T) {
	for _, raw := range []string{"", "/api/v1/access_token", "://bad"} {
		_, err := NewTokenClient(testClientCredentials, Account{}, WithTokenURL(raw))
		assert.Error(t, err, raw)
	}
}

func TestTokenClientForm(t *testing.T) {
	store := credential.NewStore()
	tc, err := NewTokenClient(testClientCredentials, Account{Username: "alice", Password: "hunter2"})
	require.NoError(t, err)

	t.Run("password without credential", func(t *testing.T) {
		form, err := tc.Form(nil)
		require.NoError(t, err)
		assert.Equal(t, url.Values{
			"grant_type": {GrantPassword},
			"username":   {"alice"},
			"password":   {"hunter2"},
		}, form)
	})

	t.Run("password without refresh token", func(t *testing.T) {
		form, err := tc.Form(store.Install("bob", "T1", ""))
		require.NoError(t, err)
		assert.Equal(t, GrantPassword, form.Get("grant_type"))
	})

	t.Run("refresh token preferred", func(t *testing.T) {
		form, err := tc.Form(store.Install("alice", "T1", "R1"))
		require.NoError(t, err)
		assert.Equal(t, url.Values{
			"grant_type":    {GrantRefreshToken},
			"refresh_token": {"R1"},
		}, form)
	})

	t.Run("missing password", func(t *testing.T) {
		noPassword, err := NewTokenClient(testClientCredentials, Account{Username: "alice"})
		require.NoError(t, err)
		_, err = noPassword.Form(nil)
		assert.ErrorIs(t, err, ErrMissingPassword)
	})
}

func TestTokenClientIsTokenEndpoint(t *testing.T) {
	tc, err := NewTokenClient(testClientCredentials, Account{})
	require.NoError(t, err)

	tests := []struct {
		raw  string
		want bool
	}{
		{DefaultTokenURL, true},
		{"https://WWW.Reddit.com/api/v1/access_token/", true},
		{"https://www.reddit.com/api/v1/access_token?x=1", true},
		{"https://oauth.reddit.com/api/v1/access_token", false},
		{"https://www.reddit.com/api/v1/me", false},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, tc.IsTokenEndpoint(u), tt.raw)
	}
	assert.False(t, tc.IsTokenEndpoint(nil))
}

func TestTokenClientLogin(t *testing.T) {
	api, stop := fakeapi.Start()
	defer stop()

	mp := obtest.NewTestMeterProvider()
	tc, err := NewTokenClient(testClientCredentials, Account{Username: "alice", Password: "hunter2"},
		WithTokenURL(api.TokenURL()), WithTokenMeterProvider(mp), WithTokenLogger(testLogger()))
	require.NoError(t, err)
	client := snoohttp.NewBuilder(testLogger()).Build()

	pair, err := tc.Login(context.Background(), client.Do)
	require.NoError(t, err)
	assert.Equal(t, credential.TokenPair{AccessToken: "T2", RefreshToken: "R2"}, pair)

	grants := api.Grants()
	require.Len(t, grants, 1)
	assert.Equal(t, GrantPassword, grants[0].Get("grant_type"))

	rm := mp.Collect(t)
	assert.Equal(t, int64(1), obtest.SumInt64(rm, metricRefreshes,
		attribute.String("grant", GrantPassword), attribute.String("outcome", outcomeSuccess)))
}

func TestTokenClientFetchRecordsFailure(t *testing.T) {
	api, stop := fakeapi.Start(fakeapi.WithClientCredentials("other-id", "other-secret"))
	defer stop()

	mp := obtest.NewTestMeterProvider()
	tc, err := NewTokenClient(testClientCredentials, Account{Username: "alice", Password: "hunter2"},
		WithTokenURL(api.TokenURL()), WithTokenMeterProvider(mp))
	require.NoError(t, err)
	client := snoohttp.NewBuilder(testLogger()).Build()

	store := credential.NewStore()
	_, err = tc.Fetch(context.Background(), client.Do, store.Install("alice", "T1", "R1"))
	require.Error(t, err)

	var statusErr *snoohttp.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, nethttp.StatusUnauthorized, statusErr.StatusCode)

	rm := mp.Collect(t)
	assert.Equal(t, int64(1), obtest.SumInt64(rm, metricRefreshes,
		attribute.String("grant", GrantRefreshToken), attribute.String("outcome", outcomeFailure)))
}

func TestParseTokenResponse(t *testing.T) {
	pair, err := parseTokenResponse([]byte(`{"access_token":"T9","token_type":"bearer","expires_in":3600,"scope":"*"}`))
	require.NoError(t, err)
	assert.Equal(t, credential.TokenPair{AccessToken: "T9"}, pair)

	_, err = parseTokenResponse([]byte(`not json`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingAccessToken)

	_, err = parseTokenResponse([]byte(`{"error":"invalid_grant"}`))
	assert.ErrorIs(t, err, ErrMissingAccessToken)
}
