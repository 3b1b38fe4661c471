package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dao/core"
	"dao/core/gate"
	"dao/core/liminal"
	"dao/core/memory"
)

type fixture struct {
	srv    *Server
	mem    *memory.Memory
	base   string
	cancel context.CancelFunc
}

// startProxy boots a gate on a loopback port and runs the server against
// cfg until the fixture closes.
func startProxy(t *testing.T, cfg *core.Config, liminalCfg *core.LiminalConfig) *fixture {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fixture config invalid: %v", err)
	}
	gw, err := gate.New(gate.Config{BindAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	mem := memory.New(cfg)
	lim := liminal.NewOrchestrator(liminalCfg, nil, core.RealClock())
	srv, err := New(Options{Gate: gw, Memory: mem, Liminal: lim})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx) }()
	f := &fixture{srv: srv, mem: mem, base: "http://" + gw.LocalAddr().String(), cancel: cancel}
	t.Cleanup(func() { f.cancel() })
	return f
}

func namedBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, name)
	}))
	t.Cleanup(backend.Close)
	return backend
}

func routeConfig(routes ...core.RouteRule) *core.Config {
	return &core.Config{
		Server: core.ServerConfig{Bind: "127.0.0.1:0"},
		Routes: core.RoutesConfig{Rule: routes},
	}
}

func get(t *testing.T, url string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, string(body)
}

// The resonant selector steers the request away from a loaded upstream
// even when the fast one mismatches the route intent: the load term
// dominates at default weights.
func TestProxyRoutesToLowestScore(t *testing.T) {
	fast := namedBackend(t, "fast")
	slow := namedBackend(t, "slow")
	cfg := routeConfig(core.RouteRule{
		Name:   "api",
		Match:  core.MatchRule{PathPrefix: "/v1"},
		Policy: "resonant",
		Intent: "realtime",
		Upstreams: []core.UpstreamConfig{
			{Name: "u1", Url: slow.URL, Intent: []string{"realtime"}},
			{Name: "u2", Url: fast.URL, Intent: []string{"batch"}},
		},
	})
	f := startProxy(t, cfg, nil)

	// Pre-record the history the selector scores against.
	sense := f.srv.Sense()
	for i := 0; i < 50; i++ {
		sense.RecordUpstreamRequest("u1", 200*time.Millisecond, true)
		sense.RecordUpstreamRequest("u2", 10*time.Millisecond, true)
	}

	resp, body := get(t, f.base+"/v1/x", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body != "fast" {
		t.Fatalf("expected the unloaded upstream to win, got %q", body)
	}
}

func TestProxyNoRouteMatchIs404(t *testing.T) {
	backend := namedBackend(t, "api")
	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/v1"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: backend.URL}},
	})
	f := startProxy(t, cfg, nil)

	resp, _ := get(t, f.base+"/other", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProxyStripsHopByHopHeaders(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: backend.URL}},
	})
	f := startProxy(t, cfg, nil)

	resp, _ := get(t, f.base+"/x", map[string]string{
		"Connection": "X-Custom",
		"X-Custom":   "secret",
		"X-Keep":     "visible",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if seen.Get("X-Custom") != "" || seen.Get("Connection") != "" {
		t.Fatalf("hop-by-hop headers leaked: %v", seen)
	}
	if seen.Get("X-Keep") != "visible" {
		t.Fatalf("end-to-end header lost")
	}
}

func TestProxyAppliesRouteFilters(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: backend.URL}},
		Filters: &core.FilterConfig{
			RequestHeadersAdd:    map[string]string{"X-Forwarded-By": "dao"},
			RequestHeadersRemove: []string{"X-Internal-Debug"},
			ResponseHeadersAdd:   map[string]string{"X-Served-By": "dao"},
		},
	})
	f := startProxy(t, cfg, nil)

	resp, _ := get(t, f.base+"/x", map[string]string{"X-Internal-Debug": "1"})
	if seen.Get("X-Forwarded-By") != "dao" {
		t.Fatalf("request filter add missing")
	}
	if seen.Get("X-Internal-Debug") != "" {
		t.Fatalf("request filter remove failed")
	}
	if resp.Header.Get("X-Served-By") != "dao" {
		t.Fatalf("response filter add missing")
	}
}

func TestProxyRateLimitReturns429(t *testing.T) {
	backend := namedBackend(t, "api")
	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: backend.URL}},
		Filters:   &core.FilterConfig{RateLimitRps: 2},
	})
	f := startProxy(t, cfg, nil)

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, _ := get(t, f.base+"/x", nil)
		statuses = append(statuses, resp.StatusCode)
	}
	limited := 0
	for _, code := range statuses {
		if code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Fatalf("expected at least one 429, got %v", statuses)
	}
}

func TestProxyUpstreamFailureIs502AndRecorded(t *testing.T) {
	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: "http://127.0.0.1:1"}},
	})
	f := startProxy(t, cfg, nil)

	resp, _ := get(t, f.base+"/x", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	rows := f.srv.Sense().GetResonanceMetrics()
	if len(rows) != 1 || rows[0].ErrorRate != 1.0 {
		t.Fatalf("failure sample not recorded: %+v", rows)
	}
}

func TestProxyRecordsSuccessBeforeResponding(t *testing.T) {
	backend := namedBackend(t, "api")
	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: backend.URL}},
	})
	f := startProxy(t, cfg, nil)

	resp, _ := get(t, f.base+"/x", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	// The record happens before the response returns to the caller.
	rows := f.srv.Sense().GetResonanceMetrics()
	if len(rows) != 1 || rows[0].CurrentRps == 0 {
		t.Fatalf("success sample not visible after response: %+v", rows)
	}
}

func TestProxyLiminalZoneInterceptsSlowUpstream(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: slow.URL}},
	})
	liminalCfg := &core.LiminalConfig{Zones: []core.ZoneFileConfig{{
		AtMs:    50,
		Status:  202,
		Body:    `{"status":"processing"}`,
		Headers: map[string]string{"Content-Type": "application/json"},
	}}}
	f := startProxy(t, cfg, liminalCfg)

	resp, body := get(t, f.base+"/x", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected the zone response, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-DAO-Liminal") != "true" {
		t.Fatalf("liminal marker missing: %v", resp.Header)
	}
	if resp.Header.Get("X-DAO-Zone-At") != "50ms" {
		t.Fatalf("zone threshold marker wrong: %q", resp.Header.Get("X-DAO-Zone-At"))
	}
	if body != `{"status":"processing"}` {
		t.Fatalf("zone body wrong: %q", body)
	}
}

func TestProxyFastUpstreamBeatsZone(t *testing.T) {
	backend := namedBackend(t, "quick")
	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: backend.URL}},
	})
	liminalCfg := &core.LiminalConfig{Zones: []core.ZoneFileConfig{{AtMs: 2000, Status: 202, Body: "{}"}}}
	f := startProxy(t, cfg, liminalCfg)

	resp, body := get(t, f.base+"/x", nil)
	if resp.StatusCode != http.StatusOK || body != "quick" {
		t.Fatalf("primary response must win the race: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-DAO-Liminal") != "" {
		t.Fatalf("fast responses must not carry liminal markers")
	}
}

func TestApplyConfigSwapsRouting(t *testing.T) {
	first := namedBackend(t, "first")
	second := namedBackend(t, "second")
	cfg := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: first.URL}},
	})
	f := startProxy(t, cfg, nil)

	if _, body := get(t, f.base+"/x", nil); body != "first" {
		t.Fatalf("expected first backend, got %q", body)
	}

	next := routeConfig(core.RouteRule{
		Name:      "api",
		Match:     core.MatchRule{PathPrefix: "/"},
		Policy:    "resonant",
		Upstreams: []core.UpstreamConfig{{Name: "u1", Url: second.URL}},
	})
	if err := f.mem.UpdateConfig(next); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if err := f.srv.ApplyConfig(f.mem.GetConfig()); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	if _, body := get(t, f.base+"/x", nil); body != "second" {
		t.Fatalf("reload must swap the upstream table, got %q", body)
	}
}

func TestQuantumHedgingServesFromHealthyUpstream(t *testing.T) {
	healthy := namedBackend(t, "healthy")
	cfg := routeConfig(core.RouteRule{
		Name:   "api",
		Match:  core.MatchRule{PathPrefix: "/"},
		Policy: "resonant",
		Upstreams: []core.UpstreamConfig{
			{Name: "dead", Url: "http://127.0.0.1:1"},
			{Name: "live", Url: healthy.URL},
		},
	})
	liminalCfg := &core.LiminalConfig{Quantum: &core.QuantumFileConfig{
		Factor:    2,
		TimeoutMs: 20,
		Collapse:  "first_success",
	}}
	f := startProxy(t, cfg, liminalCfg)

	// With no recorded stats the scores tie, so the dead upstream (first in
	// route order) is selected first; hedging must recover via the live one.
	resp, body := get(t, f.base+"/x", nil)
	if resp.StatusCode != http.StatusOK || body != "healthy" {
		t.Fatalf("hedged dispatch must recover: %d %q", resp.StatusCode, body)
	}
}
