package ratelimit

import (
	"context"
	"math"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	snoohttp "github.com/gaborage/go-snoo/http"
)

// Rate-limit response headers. Lookups are case-insensitive.
const (
	HeaderUsed      = "X-Ratelimit-Used"
	HeaderRemaining = "X-Ratelimit-Remaining"
	HeaderReset     = "X-Ratelimit-Reset"
)

// Interceptor feeds rate-limit headers into the tracker of the chain's
// identity. It never changes the response or asks for a resend.
type Interceptor struct {
	registry *Registry
}

var _ snoohttp.ResponseInterceptor = (*Interceptor)(nil)

// NewInterceptor returns an interceptor reporting into registry.
func NewInterceptor(registry *Registry) *Interceptor {
	return &Interceptor{registry: registry}
}

// Intercept updates the tracker when all three headers are present and numeric.
func (i *Interceptor) Intercept(_ context.Context, chain *snoohttp.Chain, resp *nethttp.Response) (*nethttp.Request, error) {
	used, remaining, reset, ok := ParseHeaders(resp.Header)
	if !ok {
		return nil, nil
	}
	i.registry.Tracker(chain.Identity).Update(used, remaining, reset)
	return nil, nil
}

// ParseHeaders reads the used, remaining and reset headers. Values may be
// integer or decimal text; fractions are truncated. ok is false unless all
// three are present, finite and non-negative.
func ParseHeaders(h nethttp.Header) (used, remaining int, reset time.Duration, ok bool) {
	u, okUsed := parseCount(h.Get(HeaderUsed))
	r, okRemaining := parseCount(h.Get(HeaderRemaining))
	s, okReset := parseCount(h.Get(HeaderReset))
	if !okUsed || !okRemaining || !okReset {
		return 0, 0, 0, false
	}
	return u, r, time.Duration(s) * time.Second, true
}

func parseCount(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
