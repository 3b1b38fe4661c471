package liminal

import (
	"sync"
	"time"

	"dao/core"
)

// MetamorphicConfig tracks gradual transitions between two configurations.
// It is advisory rollout telemetry: the request path always reads the
// published Memory config, this component only reports how far along a
// transition is.
type MetamorphicConfig struct {
	mu    sync.RWMutex
	state metamorphState
	clock core.Clock
}

type metamorphState struct {
	transforming bool
	from, to     *core.Config
	progress     float64
	startedAt    time.Time
	duration     time.Duration
}

// NewMetamorphicConfig starts in the stable state.
func NewMetamorphicConfig(clock core.Clock) *MetamorphicConfig {
	if clock == nil {
		clock = core.RealClock()
	}
	return &MetamorphicConfig{clock: clock}
}

// BeginTransformation seeds a transition from one config to another over
// the given duration.
func (m *MetamorphicConfig) BeginTransformation(from, to *core.Config, duration time.Duration) {
	m.mu.Lock()
	m.state = metamorphState{
		transforming: true,
		from:         from,
		to:           to,
		startedAt:    m.clock.Now(),
		duration:     duration,
	}
	m.mu.Unlock()
}

// UpdateProgress advances progress = elapsed/duration; at 1.0 the state
// settles back to stable on the target config.
func (m *MetamorphicConfig) UpdateProgress() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.transforming {
		return
	}
	if m.state.duration <= 0 {
		m.state = metamorphState{to: m.state.to}
		return
	}
	elapsed := m.clock.Now().Sub(m.state.startedAt)
	progress := elapsed.Seconds() / m.state.duration.Seconds()
	if progress >= 1.0 {
		m.state = metamorphState{to: m.state.to}
		return
	}
	m.state.progress = progress
}

// Progress reports the transition progress; stable state reads as 1.0.
func (m *MetamorphicConfig) Progress() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.state.transforming {
		return 1.0
	}
	return m.state.progress
}

// IsTransforming reports whether a transition is in flight.
func (m *MetamorphicConfig) IsTransforming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.transforming
}

// Target returns the config being transitioned to, or the one the last
// completed transition settled on; nil before any transition.
func (m *MetamorphicConfig) Target() *core.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.to
}
