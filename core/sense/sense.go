package sense

import (
	"math"
	"time"

	"dao/core/upstream"
)

// Sense aggregates per-upstream statistics into resonance metrics for the
// decision plane. The upstream table is small and rebuilt only on full
// reload, so lookup stays a linear scan.
type Sense struct {
	upstreams []*upstream.State
}

// New wraps the live upstream table.
func New(upstreams []*upstream.State) *Sense {
	return &Sense{upstreams: upstreams}
}

// ResonanceMetrics is one row of load/tempo signals per upstream.
type ResonanceMetrics struct {
	UpstreamName string
	// LoadResonance folds p95 latency, error rate and queue depth into one
	// composite cost.
	LoadResonance float64
	// TempoSpikiness is the coefficient of variation of request tempo.
	TempoSpikiness float64
	P95LatencyMs   float64
	ErrorRate      float64
	CurrentRps     float64
}

// RecordUpstreamRequest records one request outcome against the named
// upstream. Unknown names are dropped; a reload may race a late record.
func (s *Sense) RecordUpstreamRequest(name string, latency time.Duration, success bool) {
	for _, u := range s.upstreams {
		if u.Name == name {
			u.RecordRequest(latency, success)
			return
		}
	}
}

// GetResonanceMetrics snapshots every upstream into one consistent row
// each.
func (s *Sense) GetResonanceMetrics() []ResonanceMetrics {
	out := make([]ResonanceMetrics, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		snap := u.Stats().Snapshot()
		out = append(out, ResonanceMetrics{
			UpstreamName:   u.Name,
			LoadResonance:  loadResonance(snap),
			TempoSpikiness: snap.TempoSpikiness,
			P95LatencyMs:   snap.P95Ms,
			ErrorRate:      snap.ErrorRate,
			CurrentRps:     snap.CurrentRps,
		})
	}
	return out
}

// GetUpstreamState finds one upstream by name.
func (s *Sense) GetUpstreamState(name string) (*upstream.State, bool) {
	for _, u := range s.upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return nil, false
}

// Upstreams exposes the wrapped table.
func (s *Sense) Upstreams() []*upstream.State { return s.upstreams }

// loadResonance = clamp(p95_ms/100, 0, 10) + 10*error_rate +
// 10*queue_depth_norm. Queue depth is a reserved hook, currently 0.
func loadResonance(snap upstream.StatsSnapshot) float64 {
	// queue depth normalisation is a reserved hook until active-request
	// tracking lands
	const queueDepthNorm = 0.0
	latencyComponent := math.Min(snap.P95Ms/100.0, 10.0)
	errorComponent := snap.ErrorRate * 10.0
	return latencyComponent + errorComponent + queueDepthNorm*10.0
}
