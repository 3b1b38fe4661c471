package flow

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"dao/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) { c.advance(d) }

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestChainHeaderFilters(t *testing.T) {
	chain, err := BuildChain(&core.FilterConfig{
		RequestHeadersAdd:    map[string]string{"X-Forwarded-By": "dao"},
		RequestHeadersRemove: []string{"X-Internal-Debug"},
		ResponseHeadersAdd:   map[string]string{"X-Served-By": "dao"},
	}, nil)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}

	req, _ := http.NewRequest("GET", "http://x/v1", nil)
	req.Header.Set("X-Internal-Debug", "1")
	if err := chain.ApplyRequest(req); err != nil {
		t.Fatalf("apply request: %v", err)
	}
	if req.Header.Get("X-Forwarded-By") != "dao" {
		t.Fatalf("header add missing")
	}
	if req.Header.Get("X-Internal-Debug") != "" {
		t.Fatalf("header remove failed")
	}

	header := http.Header{}
	chain.ApplyResponse(header)
	if header.Get("X-Served-By") != "dao" {
		t.Fatalf("response header add missing")
	}
}

func TestBuildChainRejectsInvalidHeaderName(t *testing.T) {
	_, err := BuildChain(&core.FilterConfig{
		RequestHeadersAdd: map[string]string{"bad header name": "v"},
	}, nil)
	if err == nil {
		t.Fatalf("invalid header name must fail the build")
	}
	if core.KindOf(err) != core.KindFilter {
		t.Fatalf("expected filter kind, got %v", core.KindOf(err))
	}
}

func TestBuildChainRejectsInvalidHeaderValue(t *testing.T) {
	_, err := BuildChain(&core.FilterConfig{
		RequestHeadersAdd: map[string]string{"X-Ok": "bad\x00value"},
	}, nil)
	if err == nil || core.KindOf(err) != core.KindFilter {
		t.Fatalf("invalid header value must fail with filter kind, got %v", err)
	}
}

func TestRateLimitFilter(t *testing.T) {
	clock := newFakeClock()
	chain, err := BuildChain(&core.FilterConfig{RateLimitRps: 2}, clock)
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	req, _ := http.NewRequest("GET", "http://x/v1", nil)

	if err := chain.ApplyRequest(req); err != nil {
		t.Fatalf("first request within budget: %v", err)
	}
	if err := chain.ApplyRequest(req); err != nil {
		t.Fatalf("second request within budget: %v", err)
	}
	err = chain.ApplyRequest(req)
	if err == nil {
		t.Fatalf("third request must trip the limit")
	}
	if core.KindOf(err) != core.KindServiceUnavailable {
		t.Fatalf("expected service unavailable kind, got %v", core.KindOf(err))
	}

	// The bucket refills as time passes.
	clock.advance(time.Second)
	if err := chain.ApplyRequest(req); err != nil {
		t.Fatalf("bucket must refill after a second: %v", err)
	}
}

func TestNilFilterConfigIsNoop(t *testing.T) {
	chain, err := BuildChain(nil, nil)
	if err != nil {
		t.Fatalf("nil config: %v", err)
	}
	req, _ := http.NewRequest("GET", "http://x/", nil)
	if err := chain.ApplyRequest(req); err != nil {
		t.Fatalf("empty chain must pass requests through: %v", err)
	}
}
