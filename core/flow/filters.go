package flow

// Filter chain for per-route request/response transformation. Filters are
// a closed set of tagged variants held in a slice; composition is a loop,
// not dynamic dispatch.

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	"dao/core"
)

// FilterKind tags one filter variant.
type FilterKind int

const (
	FilterRequestHeaderAdd FilterKind = iota
	FilterRequestHeaderRemove
	FilterResponseHeaderAdd
	FilterRateLimit
)

// Filter is one chain element. Header/Value apply to the header variants,
// Rps to the rate limit variant.
type Filter struct {
	Kind   FilterKind
	Header string
	Value  string
	Rps    uint32
}

// Chain applies a route's filters in order. Rate limit state lives on the
// chain, so chains must survive across requests for the bucket to mean
// anything.
type Chain struct {
	filters []Filter
	limiter *tokenBucket
}

// BuildChain compiles a FilterConfig into a chain. Header names and values
// are validated up front; a bad one fails the build with a Filter error.
func BuildChain(cfg *core.FilterConfig, clock core.Clock) (*Chain, error) {
	chain := &Chain{}
	if cfg == nil {
		return chain, nil
	}
	for name, value := range cfg.RequestHeadersAdd {
		if err := validateHeader(name, value); err != nil {
			return nil, err
		}
		chain.filters = append(chain.filters, Filter{Kind: FilterRequestHeaderAdd, Header: name, Value: value})
	}
	for _, name := range cfg.RequestHeadersRemove {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, core.Errf(core.KindFilter, "invalid header name %q", name)
		}
		chain.filters = append(chain.filters, Filter{Kind: FilterRequestHeaderRemove, Header: name})
	}
	for name, value := range cfg.ResponseHeadersAdd {
		if err := validateHeader(name, value); err != nil {
			return nil, err
		}
		chain.filters = append(chain.filters, Filter{Kind: FilterResponseHeaderAdd, Header: name, Value: value})
	}
	if cfg.RateLimitRps > 0 {
		chain.filters = append(chain.filters, Filter{Kind: FilterRateLimit, Rps: cfg.RateLimitRps})
		chain.limiter = newTokenBucket(float64(cfg.RateLimitRps), clock)
	}
	return chain, nil
}

func validateHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return core.Errf(core.KindFilter, "invalid header name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return core.Errf(core.KindFilter, "invalid header value for %q", name)
	}
	return nil
}

// ApplyRequest runs the request-side filters. A tripped rate limit returns
// a ServiceUnavailable error; the server maps it to 429.
func (c *Chain) ApplyRequest(req *http.Request) error {
	for _, f := range c.filters {
		switch f.Kind {
		case FilterRequestHeaderAdd:
			req.Header.Set(f.Header, f.Value)
		case FilterRequestHeaderRemove:
			req.Header.Del(f.Header)
		case FilterRateLimit:
			if !c.limiter.allow() {
				return core.Errf(core.KindServiceUnavailable, "route rate limit of %d rps exceeded", f.Rps)
			}
		}
	}
	return nil
}

// ApplyResponse runs the response-side filters over the outgoing headers.
func (c *Chain) ApplyResponse(header http.Header) {
	for _, f := range c.filters {
		if f.Kind == FilterResponseHeaderAdd {
			header.Set(f.Header, f.Value)
		}
	}
}

// tokenBucket is a simple refill-on-demand bucket: capacity one second of
// the configured rate.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	ratePerSec float64
	lastRefill time.Time
	clock      core.Clock
}

func newTokenBucket(ratePerSec float64, clock core.Clock) *tokenBucket {
	if clock == nil {
		clock = core.RealClock()
	}
	return &tokenBucket{
		tokens:     ratePerSec,
		capacity:   ratePerSec,
		ratePerSec: ratePerSec,
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
