package liminal

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"

	"dao/telemetry/events"
)

// ShadowMode selects how mirrored traffic is handled.
type ShadowMode int

const (
	// ShadowAsync fires the mirror and forgets it.
	ShadowAsync ShadowMode = iota
	// ShadowSync awaits the mirror but discards its response.
	ShadowSync
	// ShadowCompare awaits the mirror and logs how it differed from the
	// primary.
	ShadowCompare
)

// ParseShadowMode maps config strings onto modes; unknown input falls back
// to async.
func ParseShadowMode(s string) ShadowMode {
	switch s {
	case "sync":
		return ShadowSync
	case "compare":
		return ShadowCompare
	default:
		return ShadowAsync
	}
}

func (m ShadowMode) String() string {
	switch m {
	case ShadowSync:
		return "sync"
	case ShadowCompare:
		return "compare"
	default:
		return "async"
	}
}

// ShadowConfig mirrors a share of traffic to a named upstream.
type ShadowConfig struct {
	ShadowUpstream string
	// ShadowRate is the Bernoulli probability in [0,1].
	ShadowRate float64
	Mode       ShadowMode
}

// ShadowDispatchFunc sends the mirrored request to the shadow upstream.
type ShadowDispatchFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// PrimaryResult carries the primary response facts compare mode diffs
// against.
type PrimaryResult struct {
	Status int
	Size   int64
}

// ShadowTraffic duplicates requests toward a shadow upstream. Mirror
// failures never affect the primary response.
type ShadowTraffic struct {
	config ShadowConfig
	bus    events.Bus

	mu  sync.Mutex
	rng *rand.Rand
}

// NewShadowTraffic wraps the config; seed drives the sampling sequence.
func NewShadowTraffic(config ShadowConfig, bus events.Bus, seed int64) *ShadowTraffic {
	return &ShadowTraffic{config: config, bus: bus, rng: rand.New(rand.NewSource(seed))}
}

// Config exposes the active tuning.
func (s *ShadowTraffic) Config() ShadowConfig { return s.config }

// ShouldShadow draws the Bernoulli for one request.
func (s *ShadowTraffic) ShouldShadow() bool {
	if s.config.ShadowRate >= 1.0 {
		return true
	}
	if s.config.ShadowRate <= 0.0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.config.ShadowRate
}

// Mirror runs the shadow request per the configured mode. The shadow clone
// carries headers and target only; request bodies are not duplicated.
func (s *ShadowTraffic) Mirror(ctx context.Context, req *http.Request, primary PrimaryResult, dispatch ShadowDispatchFunc) {
	clone := req.Clone(ctx)
	clone.Body = http.NoBody
	clone.ContentLength = 0

	switch s.config.Mode {
	case ShadowAsync:
		go func() {
			resp, err := dispatch(context.WithoutCancel(ctx), clone)
			if err == nil {
				drainAndClose(resp)
			}
		}()
	case ShadowSync:
		resp, err := dispatch(ctx, clone)
		if err == nil {
			drainAndClose(resp)
		}
	case ShadowCompare:
		resp, err := dispatch(ctx, clone)
		if err != nil {
			s.publishDiff(map[string]interface{}{"error": err.Error()})
			return
		}
		size, _ := io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		diff := map[string]interface{}{
			"primary_status": primary.Status,
			"shadow_status":  resp.StatusCode,
			"status_match":   primary.Status == resp.StatusCode,
			"primary_size":   primary.Size,
			"shadow_size":    size,
		}
		s.publishDiff(diff)
	}
}

func (s *ShadowTraffic) publishDiff(fields map[string]interface{}) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(events.Event{
		Category: events.CategoryUpstream,
		Type:     "shadow_compare",
		Severity: "info",
		Labels:   map[string]string{"shadow_upstream": s.config.ShadowUpstream},
		Fields:   fields,
	})
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
