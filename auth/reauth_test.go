package auth

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-snoo/credential"
	snoohttp "github.com/gaborage/go-snoo/http"
	"github.com/gaborage/go-snoo/logger"
	"github.com/gaborage/go-snoo/testing/fakeapi"
)

const testIdentity = "alice"

var testClientCredentials = ClientCredentials{ClientID: "client-id", ClientSecret: "client-secret"}

func testLogger() logger.Logger {
	return logger.NewWithWriter(io.Discard, "debug", nil)
}

type harness struct {
	api    *fakeapi.Server
	store  *credential.Store
	tokens *TokenClient
	client snoohttp.Client
}

func newHarness(t *testing.T, apiOpts []fakeapi.Option, reauthOpts []ReauthOption, extra ...snoohttp.ResponseInterceptor) *harness {
	t.Helper()
	api, stop := fakeapi.Start(apiOpts...)
	t.Cleanup(stop)

	tokens, err := NewTokenClient(testClientCredentials, Account{Username: "alice", Password: "hunter2"},
		WithTokenURL(api.TokenURL()), WithTokenLogger(testLogger()))
	require.NoError(t, err)

	store := credential.NewStore()
	reauthOpts = append([]ReauthOption{WithReauthLogger(testLogger())}, reauthOpts...)
	b := snoohttp.NewBuilder(testLogger()).
		WithBaseURL(api.URL).
		WithIdentity(testIdentity).
		WithRequestInterceptor(BearerInterceptor(store, testIdentity)).
		WithResponseInterceptor(NewReauthInterceptor(store, tokens, reauthOpts...))
	for _, ri := range extra {
		b = b.WithResponseInterceptor(ri)
	}

	return &harness{api: api, store: store, tokens: tokens, client: b.Build()}
}

func (h *harness) seed(access, refresh string) {
	h.api.Install(access)
	h.store.Install(testIdentity, access, refresh)
}

func (h *harness) authorizations() []string {
	var out []string
	for _, s := range h.api.Seen() {
		out = append(out, s.Authorization)
	}
	return out
}

func TestReauthRefreshesAndResends(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.seed("T1", "R1")
	h.api.Install("T-rotated")

	resp, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, resp.Stats.Sends)

	require.Equal(t, 1, h.api.TokenCalls())
	grant := h.api.Grants()[0]
	assert.Equal(t, GrantRefreshToken, grant.Get("grant_type"))
	assert.Equal(t, "R1", grant.Get("refresh_token"))

	cred, ok := h.store.Get(testIdentity)
	require.True(t, ok)
	assert.Equal(t, "T2", cred.AccessToken())
	assert.Equal(t, "R2", cred.RefreshToken())
	assert.Equal(t, []string{"bearer T1", "bearer T2"}, h.authorizations())
}

func TestReauthGivesUpAfterMaxRetries(t *testing.T) {
	h := newHarness(t, []fakeapi.Option{fakeapi.WithRejectAll()}, nil)
	h.seed("T1", "R1")

	_, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenRefreshLoop)

	var refreshErr *TokenRefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, testIdentity, refreshErr.Identity)
	assert.Equal(t, nethttp.StatusUnauthorized, refreshErr.Status)
	assert.Equal(t, 3, refreshErr.Attempts)
	assert.Equal(t, nethttp.MethodGet, refreshErr.Method)

	assert.Equal(t, DefaultMaxRetries, h.api.TokenCalls())
	assert.Len(t, h.api.Seen(), 3)
}

func TestReauthZeroRetries(t *testing.T) {
	h := newHarness(t, []fakeapi.Option{fakeapi.WithRejectAll()}, []ReauthOption{WithMaxRetries(0)})
	h.seed("T1", "R1")

	_, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	assert.ErrorIs(t, err, ErrTokenRefreshLoop)
	assert.Zero(t, h.api.TokenCalls())
	assert.Len(t, h.api.Seen(), 1)
}

func TestReauthCustomInvalidStatuses(t *testing.T) {
	h := newHarness(t, []fakeapi.Option{fakeapi.WithScript(nethttp.StatusForbidden)},
		[]ReauthOption{WithInvalidStatuses(nethttp.StatusUnauthorized)})
	h.seed("T1", "R1")

	resp, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	require.Error(t, err)
	assert.True(t, snoohttp.IsHTTPStatusError(err, nethttp.StatusForbidden))
	assert.Equal(t, nethttp.StatusForbidden, resp.StatusCode)
	assert.Zero(t, h.api.TokenCalls())
}

func TestReauthCounterResetsOnOtherStatus(t *testing.T) {
	retryUnavailable := snoohttp.ResponseInterceptorFunc(func(ctx context.Context, chain *snoohttp.Chain, resp *nethttp.Response) (*nethttp.Request, error) {
		if resp.StatusCode != nethttp.StatusServiceUnavailable {
			return nil, nil
		}
		return snoohttp.CloneRequest(ctx, chain.Request)
	})
	h := newHarness(t, []fakeapi.Option{fakeapi.WithScript(
		nethttp.StatusUnauthorized,
		nethttp.StatusUnauthorized,
		nethttp.StatusServiceUnavailable,
		nethttp.StatusUnauthorized,
		nethttp.StatusOK,
	)}, nil, retryUnavailable)
	h.seed("T1", "R1")

	resp, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, resp.Stats.Sends)
	assert.Equal(t, 3, h.api.TokenCalls())
}

func TestReauthIgnoresRedirectThroughTokenEndpoint(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.seed("T1", "R1")

	resp, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.TokenRedirectPath})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenRefreshLoop)
	assert.True(t, snoohttp.IsHTTPStatusError(err, nethttp.StatusUnauthorized))
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, resp.Stats.Sends)
	assert.Zero(t, h.api.TokenCalls())

	cred, _ := h.store.Get(testIdentity)
	assert.Equal(t, "T1", cred.AccessToken())
}

func TestReauthTokenEndpointRejectionSurfaces(t *testing.T) {
	h := newHarness(t, []fakeapi.Option{fakeapi.WithTokenStatus(nethttp.StatusUnauthorized)}, nil)
	h.seed("T1", "R1")
	h.api.Install("T-rotated")

	_, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenRefreshLoop)

	var statusErr *snoohttp.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, nethttp.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, nethttp.MethodPost, statusErr.Method)
	assert.True(t, strings.HasSuffix(statusErr.URL, fakeapi.TokenPath))
	assert.Equal(t, 1, h.api.TokenCalls())

	cred, _ := h.store.Get(testIdentity)
	assert.Equal(t, "T1", cred.AccessToken())
}

func TestReauthPasswordGrantWithoutCredential(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)

	require.Equal(t, 1, h.api.TokenCalls())
	grant := h.api.Grants()[0]
	assert.Equal(t, GrantPassword, grant.Get("grant_type"))
	assert.Equal(t, "alice", grant.Get("username"))
	assert.Equal(t, "hunter2", grant.Get("password"))
	assert.Equal(t, []string{"", "bearer T2"}, h.authorizations())
}

func TestReauthPasswordGrantWhenNoRefreshTokenIssued(t *testing.T) {
	h := newHarness(t, []fakeapi.Option{fakeapi.WithoutRefreshTokens(), fakeapi.WithRejectAll()}, nil)

	_, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	assert.ErrorIs(t, err, ErrTokenRefreshLoop)

	grants := h.api.Grants()
	require.Len(t, grants, 2)
	assert.Equal(t, GrantPassword, grants[0].Get("grant_type"))
	assert.Equal(t, GrantPassword, grants[1].Get("grant_type"))
}

func TestReauthMissingAccessToken(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		h := newHarness(t, []fakeapi.Option{fakeapi.WithTokenBody(`{"token_type":"bearer"}`)}, nil)
		h.seed("T1", "R1")
		h.api.Install("T-rotated")

		_, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
		assert.ErrorIs(t, err, ErrMissingAccessToken)
	})

	t.Run("grant rejected", func(t *testing.T) {
		h := newHarness(t, []fakeapi.Option{fakeapi.WithAccount("alice", "other")}, nil)

		_, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
		require.ErrorIs(t, err, ErrMissingAccessToken)
		assert.Contains(t, err.Error(), "invalid_grant")
		_, ok := h.store.Get(testIdentity)
		assert.False(t, ok)
	})
}

func TestReauthConcurrentRejectionsShareOneRefresh(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.seed("T1", "R1")
	h.api.Install("T-rotated")

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
			if err == nil && resp.StatusCode != nethttp.StatusOK {
				err = errors.New(resp.URL)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.api.TokenCalls())

	cred, _ := h.store.Get(testIdentity)
	assert.Equal(t, "T2", cred.AccessToken())
}

func TestReauthIgnoresUnrelatedStatuses(t *testing.T) {
	h := newHarness(t, []fakeapi.Option{fakeapi.WithScript(nethttp.StatusNotFound)}, nil)
	h.seed("T1", "R1")

	resp, err := h.client.Get(context.Background(), &snoohttp.Request{URL: fakeapi.MePath})
	require.Error(t, err)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, resp.Stats.Sends)
	assert.Zero(t, h.api.TokenCalls())
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"bearer T1", "T1"},
		{"Bearer T1", "T1"},
		{"Basic abc", ""},
		{"", ""},
		{"bearer", ""},
	}
	for _, tt := range tests {
		req, err := nethttp.NewRequest(nethttp.MethodGet, "https://oauth.example.com/api/v1/me", nethttp.NoBody)
		require.NoError(t, err)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(req), tt.header)
	}
}

func TestBearerInterceptor(t *testing.T) {
	store := credential.NewStore()
	stamp := BearerInterceptor(store, testIdentity)
	newReq := func() *nethttp.Request {
		req, err := nethttp.NewRequest(nethttp.MethodGet, "https://oauth.example.com/api/v1/me", nethttp.NoBody)
		require.NoError(t, err)
		return req
	}

	req := newReq()
	require.NoError(t, stamp(context.Background(), req))
	assert.Empty(t, req.Header.Get("Authorization"))

	store.Install(testIdentity, "T1", "R1")
	req = newReq()
	require.NoError(t, stamp(context.Background(), req))
	assert.Equal(t, "bearer T1", req.Header.Get("Authorization"))

	req = newReq()
	req.SetBasicAuth("client-id", "client-secret")
	basic := req.Header.Get("Authorization")
	require.NoError(t, stamp(context.Background(), req))
	assert.Equal(t, basic, req.Header.Get("Authorization"))
}

func TestTokenRefreshError(t *testing.T) {
	err := &TokenRefreshError{Identity: "alice", Method: "GET", URL: "https://oauth.example.com/api/v1/me", Status: 401, Attempts: 3}
	assert.Equal(t, `auth: GET https://oauth.example.com/api/v1/me for "alice" still rejected with status 401 after 2 token refreshes`, err.Error())
	assert.True(t, errors.Is(err, ErrTokenRefreshLoop))
}
