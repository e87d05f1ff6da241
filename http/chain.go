package http

import (
	"context"
	nethttp "net/http"
	"net/url"
)

// Chain carries one logical call through its sends. Request is the request
// currently on the wire and History holds the superseded responses, oldest
// first. Counters let stateless interceptors keep per-call state.
type Chain struct {
	Identity string
	Request  *nethttp.Request
	History  []*nethttp.Response

	counters map[string]int
	via      Client
}

// NewChain starts a chain for req. via is used by Dispatch for sub-requests
// and may be nil.
func NewChain(identity string, req *nethttp.Request, via Client) *Chain {
	return &Chain{Identity: identity, Request: req, via: via}
}

// Counter returns the named per-chain counter, zero if unset.
func (c *Chain) Counter(key string) int {
	return c.counters[key]
}

// SetCounter stores the named per-chain counter.
func (c *Chain) SetCounter(key string, n int) {
	if c.counters == nil {
		c.counters = make(map[string]int)
	}
	c.counters[key] = n
}

// Dispatch issues a separate call through the client that owns the chain.
// The sub-call runs its own chain through every interceptor.
func (c *Chain) Dispatch(ctx context.Context, method string, req *Request) (*Response, error) {
	if c.via == nil {
		return nil, NewValidationError("chain has no client to dispatch through", "chain")
	}
	return c.via.Do(ctx, method, req)
}

// URLs lists every URL that took part in producing resp: the redirect hops of
// resp itself and of every earlier response in the chain.
func (c *Chain) URLs(resp *nethttp.Response) []*url.URL {
	var urls []*url.URL
	for _, r := range c.History {
		urls = appendHops(urls, r)
	}
	return appendHops(urls, resp)
}

func appendHops(urls []*url.URL, resp *nethttp.Response) []*url.URL {
	for resp != nil && resp.Request != nil {
		if resp.Request.URL != nil {
			urls = append(urls, resp.Request.URL)
		}
		resp = resp.Request.Response
	}
	return urls
}

// CloneRequest copies req for a resend, rewinding its body when possible.
func CloneRequest(ctx context.Context, req *nethttp.Request) (*nethttp.Request, error) {
	clone := req.Clone(ctx)
	if req.Body != nil && req.Body != nethttp.NoBody {
		if req.GetBody == nil {
			return nil, NewValidationError("request body cannot be replayed", "body")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, NewNetworkError("failed to rewind request body", err)
		}
		clone.Body = body
	}
	return clone, nil
}
