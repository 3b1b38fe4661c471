package liminal

import (
	"sync"
	"time"

	"dao/core"
)

// RitualPhase is one step of the startup ceremony. The proxy does not flip
// straight into production; it warms up through ordered phases.
type RitualPhase int

const (
	PhasePreparation RitualPhase = iota
	PhaseLoadConfig
	PhaseWarmConnections
	PhaseShadowTesting
	PhaseFullProduction
	PhaseComplete
)

func (p RitualPhase) String() string {
	switch p {
	case PhasePreparation:
		return "preparation"
	case PhaseLoadConfig:
		return "load_config"
	case PhaseWarmConnections:
		return "warm_connections"
	case PhaseShadowTesting:
		return "shadow_testing"
	case PhaseFullProduction:
		return "full_production"
	default:
		return "complete"
	}
}

// Duration is how long the phase holds before advancing.
func (p RitualPhase) Duration() time.Duration {
	switch p {
	case PhasePreparation:
		return 5 * time.Second
	case PhaseLoadConfig:
		return 10 * time.Second
	case PhaseWarmConnections:
		return 20 * time.Second
	case PhaseShadowTesting:
		return 30 * time.Second
	default:
		return 0
	}
}

// Next returns the following phase, or the current one at the end.
func (p RitualPhase) Next() (RitualPhase, bool) {
	if p >= PhaseComplete {
		return p, false
	}
	return p + 1, true
}

// RitualProtocol advances the startup phases on Update calls.
type RitualProtocol struct {
	mu             sync.RWMutex
	phase          RitualPhase
	phaseStartedAt time.Time
	clock          core.Clock
}

// NewRitualProtocol begins in Preparation.
func NewRitualProtocol(clock core.Clock) *RitualProtocol {
	if clock == nil {
		clock = core.RealClock()
	}
	return &RitualProtocol{phase: PhasePreparation, phaseStartedAt: clock.Now(), clock: clock}
}

// CurrentPhase returns the active phase.
func (r *RitualProtocol) CurrentPhase() RitualPhase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// PhaseProgress reports completion of the current phase in [0,1].
func (r *RitualProtocol) PhaseProgress() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	duration := r.phase.Duration()
	if duration <= 0 {
		return 1.0
	}
	elapsed := r.clock.Now().Sub(r.phaseStartedAt)
	progress := elapsed.Seconds() / duration.Seconds()
	if progress > 1.0 {
		return 1.0
	}
	return progress
}

// Update advances to the next phase when the current one completes.
func (r *RitualProtocol) Update() {
	if r.PhaseProgress() < 1.0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if next, ok := r.phase.Next(); ok {
		r.phase = next
		r.phaseStartedAt = r.clock.Now()
	}
}

// IsProductionReady reports whether full traffic may flow.
func (r *RitualProtocol) IsProductionReady() bool {
	phase := r.CurrentPhase()
	return phase == PhaseFullProduction || phase == PhaseComplete
}
