package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"dao/core"
	"dao/core/align"
	"dao/core/flow"
	"dao/core/gate"
	"dao/core/liminal"
	"dao/core/memory"
	"dao/core/sense"
	"dao/core/upstream"
	"dao/telemetry/events"
	"dao/telemetry/health"
	"dao/telemetry/logging"
	"dao/telemetry/metrics"
	"dao/telemetry/tracing"
)

// Options wires the server's collaborators. Bus, Provider, Logger and
// Tracer may be nil; the server tests leave all four unset.
type Options struct {
	Gate     *gate.Gate
	Memory   *memory.Memory
	Liminal  *liminal.Orchestrator
	Bus      events.Bus
	Provider metrics.Provider
	Logger   logging.Logger
	Tracer   tracing.Tracer
	Clock    core.Clock
	Client   upstream.ClientOptions
	// UpdateInterval paces the liminal update loop; zero means 10s.
	UpdateInterval time.Duration
}

// routing is the reload-swappable part of the server state: the upstream
// table plus everything derived from it.
type routing struct {
	upstreams []*upstream.State
	sense     *sense.Sense
	align     *align.Align
	chains    map[string]*flow.Chain
	presence  map[string]*liminal.PresenceDetector
}

// Server serves classified connections from the gate: match a route,
// select an upstream, proxy, and record what happened.
type Server struct {
	gateway *gate.Gate
	mem     *memory.Memory
	lim     *liminal.Orchestrator
	pool    *upstream.Pool
	bus     events.Bus
	logger  logging.Logger
	tracer  tracing.Tracer
	clock   core.Clock

	mu sync.RWMutex
	rt *routing

	h2             *http2.Server
	base           *http.Server
	wg             sync.WaitGroup
	updateInterval time.Duration

	mRequests metrics.Counter
	mLatency  metrics.Histogram
}

// New builds the server and derives the initial routing state from the
// published configuration.
func New(opts Options) (*Server, error) {
	if opts.Gate == nil || opts.Memory == nil || opts.Liminal == nil {
		return nil, core.Errf(core.KindInternal, "server requires gate, memory and liminal orchestrator")
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.NewNoopTracer()
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 10 * time.Second
	}
	s := &Server{
		gateway:        opts.Gate,
		mem:            opts.Memory,
		lim:            opts.Liminal,
		pool:           upstream.NewPool(opts.Client),
		bus:            opts.Bus,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		clock:          opts.Clock,
		h2:             &http2.Server{},
		updateInterval: opts.UpdateInterval,
	}
	s.base = &http.Server{Handler: http.HandlerFunc(s.handle)}
	if opts.Provider != nil {
		s.mRequests = opts.Provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "dao", Subsystem: "server", Name: "requests_total",
			Help: "Requests served by route and status", Labels: []string{"route", "status"}}})
		s.mLatency = opts.Provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "dao", Subsystem: "server", Name: "request_duration_seconds",
			Help: "Request latency by route and upstream", Labels: []string{"route", "upstream"}}})
	}
	if err := s.ApplyConfig(s.mem.GetConfig()); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyConfig rebuilds the upstream table, selector, filter chains and
// presence detectors from cfg. Stats restart from zero: upstream identity
// only survives within one table generation.
func (s *Server) ApplyConfig(cfg *core.Config) error {
	var upstreams []*upstream.State
	seen := make(map[string]*upstream.State)
	chains := make(map[string]*flow.Chain, len(cfg.Routes.Rule))
	presence := make(map[string]*liminal.PresenceDetector)

	for i := range cfg.Routes.Rule {
		route := &cfg.Routes.Rule[i]
		chain, err := flow.BuildChain(route.Filters, s.clock)
		if err != nil {
			return err
		}
		chains[route.Name] = chain
		for _, uc := range route.Upstreams {
			if seen[uc.Name] != nil {
				continue
			}
			u := upstream.NewStateWithClock(uc.Name, uc.Url, uc.Intents(), uc.EffectiveWeight(), s.clock)
			seen[uc.Name] = u
			upstreams = append(upstreams, u)
			presence[uc.Name] = liminal.NewPresenceDetector(uc.Name, liminal.DefaultPresenceConfig(), s.clock, s.bus)
		}
	}

	sn := sense.New(upstreams)
	al := align.New(sn)
	for name, pol := range cfg.Policies {
		wl, wi, wt := pol.Weights()
		al.RegisterPolicy(name, align.NewPolicyWeights(wl, wi, wt))
	}

	s.mu.Lock()
	s.rt = &routing{upstreams: upstreams, sense: sn, align: al, chains: chains, presence: presence}
	s.mu.Unlock()
	return nil
}

func (s *Server) currentRouting() *routing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rt
}

// Sense exposes the live telemetry aggregator (current table generation).
func (s *Server) Sense() *sense.Sense { return s.currentRouting().sense }

// Run accepts until ctx is cancelled. Each connection is served on its own
// goroutine; the liminal update loop runs alongside.
func (s *Server) Run(ctx context.Context) error {
	updateCtx, stopUpdates := context.WithCancel(ctx)
	defer stopUpdates()
	s.wg.Add(1)
	go s.updateLoop(updateCtx)

	go func() {
		<-ctx.Done()
		_ = s.gateway.Close()
		_ = s.base.Close()
	}()

	for {
		conn, err := s.gateway.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			if core.KindOf(err) == core.KindTls {
				// A failed handshake costs one connection, nothing more.
				s.logger.WarnCtx(ctx, "tls handshake failed", "error", err)
				continue
			}
			s.logger.ErrorCtx(ctx, "accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn *gate.Connection) {
	defer s.wg.Done()
	switch conn.Protocol {
	case gate.Http2:
		s.h2.ServeConn(conn.Conn, &http2.ServeConnOpts{
			BaseConfig: s.base,
			Handler:    s.base.Handler,
			Context:    ctx,
		})
	default:
		listener := newOneConnListener(conn.Conn)
		_ = s.base.Serve(listener)
	}
}

// updateLoop periodically folds the latest resonance metrics into the
// liminal orchestrator and the temporal learner.
func (s *Server) updateLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			factors := s.collectFactors()
			s.lim.Update(factors)
			s.lim.RecordTemporalObservation(liminal.TemporalObservation{
				Timestamp:  s.clock.Now(),
				Rps:        factors.CurrentRps,
				ErrorRate:  factors.ErrorRate,
				P95Latency: factors.P95LatencyMs,
			})
		}
	}
}

// collectFactors aggregates the per-upstream rows into process-wide
// awareness inputs: summed RPS, worst error rate, worst p95.
func (s *Server) collectFactors() liminal.AwarenessFactors {
	rows := s.currentRouting().sense.GetResonanceMetrics()
	factors := liminal.AwarenessFactors{BaselineRps: 100}
	for _, m := range rows {
		factors.CurrentRps += m.CurrentRps
		if m.ErrorRate > factors.ErrorRate {
			factors.ErrorRate = m.ErrorRate
		}
		if m.P95LatencyMs > factors.P95LatencyMs {
			factors.P95LatencyMs = m.P95LatencyMs
		}
	}
	return factors
}

// handle is the per-request path: match, filter, select, proxy, record.
func (s *Server) handle(w http.ResponseWriter, req *http.Request) {
	start := s.clock.Now()
	ctx, span := s.tracer.StartSpan(req.Context(), "proxy_request")
	defer span.End()
	req = req.WithContext(ctx)

	cfg := s.mem.GetConfig()
	rt := s.currentRouting()

	var route *core.RouteRule
	for i := range cfg.Routes.Rule {
		if cfg.Routes.Rule[i].Match.Matches(req) {
			route = &cfg.Routes.Rule[i]
			break
		}
	}
	if route == nil {
		s.finish(ctx, w, req, "", "", http.StatusNotFound, start, "no route matched")
		return
	}

	s.publishRequestStart(ctx, route.Name, req)

	candidates := make([]*upstream.State, 0, len(route.Upstreams))
	for _, uc := range route.Upstreams {
		if u, ok := rt.sense.GetUpstreamState(uc.Name); ok {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		s.finish(ctx, w, req, route.Name, "", http.StatusServiceUnavailable, start, "no upstreams available")
		return
	}

	if chain := rt.chains[route.Name]; chain != nil {
		if err := chain.ApplyRequest(req); err != nil {
			status := http.StatusInternalServerError
			if core.KindOf(err) == core.KindServiceUnavailable {
				status = http.StatusTooManyRequests
			}
			s.finish(ctx, w, req, route.Name, "", status, start, err.Error())
			return
		}
	}

	var requestIntent *core.Intent
	if intent, ok := route.RequestIntent(); ok {
		requestIntent = &intent
	}
	selected := rt.align.SelectUpstream(route.Policy, candidates, requestIntent)
	if selected == nil {
		s.finish(ctx, w, req, route.Name, "", http.StatusServiceUnavailable, start, "no upstream selected")
		return
	}

	// Hedged dispatch wants the chosen upstream first, the rest in route
	// order as hedge targets.
	ordered := make([]*upstream.State, 0, len(candidates))
	ordered = append(ordered, selected)
	for _, u := range candidates {
		if u != selected {
			ordered = append(ordered, u)
		}
	}

	s.proxy(ctx, w, req, rt, route, ordered, start)
}

type proxyResult struct {
	resp     *http.Response
	servedBy *upstream.State
	err      error
}

// dispatchOnce sends the request to one upstream and records the outcome
// into its stats, the sense aggregate and the presence detector.
func (s *Server) dispatchOnce(ctx context.Context, rt *routing, u *upstream.State, req *http.Request) (*http.Response, time.Duration, error) {
	client := s.pool.GetClient(u.Url)
	resp, latency, err := client.ProxyRequest(u.Url, req.WithContext(ctx))
	success := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if err != nil {
		rt.sense.RecordUpstreamRequest(u.Name, 0, false)
	} else {
		rt.sense.RecordUpstreamRequest(u.Name, latency, success)
	}
	if d := rt.presence[u.Name]; d != nil {
		d.RecordCheck(err == nil)
	}
	s.publishUpstreamRecord(ctx, u.Name, latency, success)
	return resp, latency, err
}

// proxy forwards the request, consulting the quantum router and liminal
// zones when enabled, and writes the upstream's answer back.
func (s *Server) proxy(ctx context.Context, w http.ResponseWriter, req *http.Request, rt *routing, route *core.RouteRule, ordered []*upstream.State, start time.Time) {
	zones := s.lim.Zones()
	resultCh := make(chan proxyResult, 1)
	reqCtx, cancelUpstream := context.WithCancel(ctx)
	defer cancelUpstream()

	go func() {
		resultCh <- s.dispatch(reqCtx, rt, ordered, req)
	}()

	if zones == nil {
		s.deliver(ctx, w, req, rt, route, <-resultCh, start)
		return
	}

	for {
		elapsed := s.clock.Now().Sub(start)
		next, ok := zones.NextThreshold(elapsed)
		if !ok {
			// Ladder exhausted upward; the deepest zone already applies.
			if zr, hit := zones.ResponseFor(elapsed); hit {
				s.emitZone(ctx, w, req, route, zr, start, cancelUpstream, resultCh)
				return
			}
			s.deliver(ctx, w, req, rt, route, <-resultCh, start)
			return
		}
		timer := time.NewTimer(next - elapsed)
		select {
		case res := <-resultCh:
			timer.Stop()
			s.deliver(ctx, w, req, rt, route, res, start)
			return
		case <-timer.C:
			if zr, hit := zones.ResponseFor(s.clock.Now().Sub(start)); hit {
				s.emitZone(ctx, w, req, route, zr, start, cancelUpstream, resultCh)
				return
			}
		}
	}
}

// dispatch runs the plain or quantum proxy path. Hedging only applies to
// bodyless requests: a consumed body cannot be replayed on the hedge.
func (s *Server) dispatch(ctx context.Context, rt *routing, ordered []*upstream.State, req *http.Request) proxyResult {
	if q := s.lim.Quantum(); q != nil && q.ShouldRoute(len(ordered)) && req.ContentLength == 0 {
		resp, idx, err := q.Route(ctx, ordered, func(ctx context.Context, u *upstream.State) (*http.Response, time.Duration, error) {
			return s.dispatchOnce(ctx, rt, u, req)
		})
		return proxyResult{resp: resp, servedBy: ordered[idx], err: err}
	}
	resp, _, err := s.dispatchOnce(ctx, rt, ordered[0], req)
	return proxyResult{resp: resp, servedBy: ordered[0], err: err}
}

// emitZone writes the intermediate response and abandons the upstream
// wait; the late result is drained and discarded.
func (s *Server) emitZone(ctx context.Context, w http.ResponseWriter, req *http.Request, route *core.RouteRule, zr *liminal.ZoneResponse, start time.Time, cancelUpstream context.CancelFunc, resultCh chan proxyResult) {
	cancelUpstream()
	go func() {
		if res := <-resultCh; res.resp != nil {
			_, _ = io.Copy(io.Discard, res.resp.Body)
			_ = res.resp.Body.Close()
		}
	}()
	zr.Write(w)
	s.publishRequestEnd(ctx, route.Name, "", zr.Status, s.clock.Now().Sub(start))
	s.countRequest(route.Name, zr.Status)
}

// deliver writes the proxied response (or the mapped error) back to the
// client and feeds the observation plane.
func (s *Server) deliver(ctx context.Context, w http.ResponseWriter, req *http.Request, rt *routing, route *core.RouteRule, res proxyResult, start time.Time) {
	upstreamName := ""
	if res.servedBy != nil {
		upstreamName = res.servedBy.Name
	}
	if res.err != nil {
		s.logger.WarnCtx(ctx, "proxy failed", "route", route.Name, "upstream", upstreamName, "error", res.err)
		s.finish(ctx, w, req, route.Name, upstreamName, http.StatusBadGateway, start, "upstream failure")
		return
	}
	resp := res.resp
	defer resp.Body.Close()

	upstream.RemoveHopByHopHeaders(resp.Header)
	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	if chain := rt.chains[route.Name]; chain != nil {
		chain.ApplyResponse(header)
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	latency := s.clock.Now().Sub(start)
	s.observeEcho(req, resp.StatusCode, latency, written)
	s.mirrorShadow(ctx, rt, req, resp.StatusCode, written)
	s.publishRequestEnd(ctx, route.Name, upstreamName, resp.StatusCode, latency)
	s.countRequest(route.Name, resp.StatusCode)
	if s.mLatency != nil {
		s.mLatency.Observe(latency.Seconds(), route.Name, upstreamName)
	}
}

// observeEcho records the request fingerprint and, above Dormant
// consciousness, checks it for anomaly. Detection is advisory only.
func (s *Server) observeEcho(req *http.Request, status int, latency time.Duration, size int64) {
	if size < 0 {
		size = 0
	}
	echo := liminal.RequestEcho{
		PathHash:     liminal.HashPath(req.URL.Path),
		Method:       req.Method,
		Status:       status,
		LatencyMs:    float64(latency.Microseconds()) / 1000.0,
		ResponseSize: uint64(size),
		Timestamp:    s.clock.Now(),
	}
	if s.lim.Consciousness().CurrentLevel() > liminal.Dormant {
		_ = s.lim.IsAnomaly(&echo)
	}
	s.lim.RecordEcho(echo)
}

// mirrorShadow duplicates the request toward the shadow upstream when the
// sampler fires. Failures stay invisible to the caller.
func (s *Server) mirrorShadow(ctx context.Context, rt *routing, req *http.Request, status int, size int64) {
	shadow := s.lim.Shadow()
	if shadow == nil || !shadow.ShouldShadow() {
		return
	}
	target, ok := rt.sense.GetUpstreamState(shadow.Config().ShadowUpstream)
	if !ok {
		return
	}
	shadow.Mirror(ctx, req, liminal.PrimaryResult{Status: status, Size: size}, func(ctx context.Context, mirrored *http.Request) (*http.Response, error) {
		client := s.pool.GetClient(target.Url)
		resp, _, err := client.ProxyRequest(target.Url, mirrored.WithContext(ctx))
		return resp, err
	})
}

// finish writes a local (non-proxied) response and emits the request-end
// observations.
func (s *Server) finish(ctx context.Context, w http.ResponseWriter, req *http.Request, routeName, upstreamName string, status int, start time.Time, detail string) {
	http.Error(w, http.StatusText(status), status)
	s.publishRequestEnd(ctx, routeName, upstreamName, status, s.clock.Now().Sub(start))
	s.countRequest(routeName, status)
	if detail != "" {
		s.logger.DebugCtx(ctx, "request finished locally",
			"route", routeName, "status", status, "detail", detail, "path", req.URL.Path)
	}
}

func (s *Server) countRequest(routeName string, status int) {
	if s.mRequests == nil {
		return
	}
	label := routeName
	if label == "" {
		label = "unmatched"
	}
	s.mRequests.Inc(1, label, strconv.Itoa(status))
}

func (s *Server) publishRequestStart(ctx context.Context, routeName string, req *http.Request) {
	if s.bus == nil {
		return
	}
	_ = s.bus.PublishCtx(ctx, events.Event{
		Category: events.CategoryRequest,
		Type:     "request_start",
		Labels:   map[string]string{"route": routeName},
		Fields:   map[string]interface{}{"method": req.Method, "path": req.URL.Path},
	})
}

func (s *Server) publishRequestEnd(ctx context.Context, routeName, upstreamName string, status int, latency time.Duration) {
	if s.bus == nil {
		return
	}
	_ = s.bus.PublishCtx(ctx, events.Event{
		Category: events.CategoryRequest,
		Type:     "request_end",
		Labels:   map[string]string{"route": routeName, "upstream": upstreamName},
		Fields:   map[string]interface{}{"status": status, "latency_ms": float64(latency.Microseconds()) / 1000.0},
	})
}

func (s *Server) publishUpstreamRecord(ctx context.Context, upstreamName string, latency time.Duration, success bool) {
	if s.bus == nil {
		return
	}
	_ = s.bus.PublishCtx(ctx, events.Event{
		Category: events.CategoryUpstream,
		Type:     "upstream_record",
		Labels:   map[string]string{"upstream": upstreamName},
		Fields:   map[string]interface{}{"latency_ms": float64(latency.Microseconds()) / 1000.0, "success": success},
	})
}

// Probes exposes health probes over the routing state for the telemetry
// endpoint: presence rollup and consciousness level.
func (s *Server) Probes() []health.Probe {
	presenceProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		rt := s.currentRouting()
		absent := 0
		for _, d := range rt.presence {
			if d.CurrentState() == liminal.PresenceAbsent {
				absent++
			}
		}
		switch {
		case len(rt.presence) == 0:
			return health.Unknown("presence", "no upstreams")
		case absent == 0:
			return health.Healthy("presence")
		case absent < len(rt.presence):
			return health.Degraded("presence", "some upstreams absent")
		default:
			return health.Unhealthy("presence", "all upstreams absent")
		}
	})
	consciousnessProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		switch s.lim.Consciousness().CurrentLevel() {
		case liminal.Transcendent:
			return health.Degraded("consciousness", "system under maximum scrutiny")
		default:
			return health.Healthy("consciousness")
		}
	})
	return []health.Probe{presenceProbe, consciousnessProbe}
}
