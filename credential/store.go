// Package credential holds the process-wide token cache shared by every client
// of an identity. Records are mutated in place so a refresh performed by one
// goroutine is observed by all others holding the same record.
package credential

import (
	"context"
	"fmt"
	nethttp "net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Credential is the token pair of one identity. Access is guarded by the
// record's own lock, never by the store lock.
type Credential struct {
	identity     string
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// Identity returns the key the credential is stored under.
func (c *Credential) Identity() string {
	return c.identity
}

// AccessToken returns the current bearer token.
func (c *Credential) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// RefreshToken returns the current refresh token, or "" if none was issued.
func (c *Credential) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshToken
}

// Apply stamps the bearer token on req.
func (c *Credential) Apply(req *nethttp.Request) {
	req.Header.Set("Authorization", "bearer "+c.AccessToken())
}

func (c *Credential) set(accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
	if refreshToken != "" {
		c.refreshToken = refreshToken
	}
}

// TokenPair is the result of a successful token endpoint call.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// RefreshFunc obtains a new token pair. current is nil when the identity has
// never authenticated.
type RefreshFunc func(ctx context.Context, current *Credential) (TokenPair, error)

// Store maps identities to credentials. The store lock only guards the map.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Credential
	sfg     singleflight.Group
}

// NewStore creates an empty store. Construct one per process and share it.
func NewStore() *Store {
	return &Store{entries: make(map[string]*Credential)}
}

// Get returns the credential of identity if one was installed.
func (s *Store) Get(identity string) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.entries[identity]
	return c, ok
}

// Install creates the record for identity or updates the existing one in
// place. The refresh token is only replaced when refreshToken is non-empty.
func (s *Store) Install(identity, accessToken, refreshToken string) *Credential {
	s.mu.Lock()
	c, ok := s.entries[identity]
	if !ok {
		c = &Credential{identity: identity}
		s.entries[identity] = c
	}
	s.mu.Unlock()

	c.set(accessToken, refreshToken)
	return c
}

// Refresh runs fn for identity and installs its result. Concurrent calls for
// the same identity share a single fn invocation and observe the same record.
// fn runs detached from the cancellation of whichever caller started it; each
// caller stops waiting when its own ctx is done.
func (s *Store) Refresh(ctx context.Context, identity string, fn RefreshFunc) (*Credential, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.sfg.DoChan(identity, func() (any, error) {
		current, _ := s.Get(identity)
		pair, err := fn(detached, current)
		if err != nil {
			return nil, err
		}
		if pair.AccessToken == "" {
			return nil, fmt.Errorf("credential: refresh for %q returned an empty access token", identity)
		}
		return s.Install(identity, pair.AccessToken, pair.RefreshToken), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

// Len returns the number of stored identities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
