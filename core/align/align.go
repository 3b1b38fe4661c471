package align

import (
	"math"
	"sort"
	"sync"

	"dao/core"
	"dao/core/sense"
	"dao/core/upstream"
)

// Align scores route candidates against live resonance metrics and picks
// the lowest-cost upstream. It depends on Sense; Sense never refers back.
type Align struct {
	sense *sense.Sense

	mu       sync.RWMutex
	policies map[string]PolicyWeights
}

// New builds a selector over the given telemetry source with the default
// "resonant" policy registered.
func New(s *sense.Sense) *Align {
	return &Align{
		sense:    s,
		policies: map[string]PolicyWeights{"resonant": DefaultPolicyWeights()},
	}
}

// RegisterPolicy adds or replaces a named policy.
func (a *Align) RegisterPolicy(name string, weights PolicyWeights) {
	a.mu.Lock()
	a.policies[name] = weights
	a.mu.Unlock()
}

func (a *Align) lookupPolicy(name string) PolicyWeights {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if w, ok := a.policies[name]; ok {
		return w
	}
	return DefaultPolicyWeights()
}

// SelectUpstream scores each candidate as
//
//	w_load*load_resonance + w_intent*intent_gap + w_tempo*tempo_spikiness
//
// and returns the candidate with the lowest score. Ties keep input order.
// NaN scores sort last; selection never panics on them. Empty candidates
// return nil.
func (a *Align) SelectUpstream(policyName string, candidates []*upstream.State, requestIntent *core.Intent) *upstream.State {
	if len(candidates) == 0 {
		return nil
	}
	weights := a.lookupPolicy(policyName)
	metrics := a.sense.GetResonanceMetrics()

	byName := make(map[string]sense.ResonanceMetrics, len(metrics))
	for _, m := range metrics {
		byName[m.UpstreamName] = m
	}

	type scored struct {
		u     *upstream.State
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, u := range candidates {
		var resonance, tempo float64
		if m, ok := byName[u.Name]; ok {
			resonance = m.LoadResonance
			tempo = m.TempoSpikiness
		}
		var intentGap float64
		if requestIntent != nil {
			intentGap = u.IntentGap(*requestIntent)
		}
		score := weights.WLoad*resonance + weights.WIntent*intentGap + weights.WTempo*tempo
		ranked = append(ranked, scored{u: u, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		x, y := ranked[i].score, ranked[j].score
		// A NaN score orders as if it were the largest finite value.
		if math.IsNaN(x) {
			return false
		}
		if math.IsNaN(y) {
			return true
		}
		return x < y
	})
	return ranked[0].u
}
