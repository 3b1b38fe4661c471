package memory

import (
	"sync"
	"time"

	"dao/core"
)

const maxSnapshots = 100

// Memory owns the published configuration and its snapshot history. The
// published config is always validated; readers receive deep copies so no
// caller can mutate shared state.
type Memory struct {
	mu        sync.RWMutex
	config    *core.Config
	profiles  map[string]*ServiceProfile
	snapshots []Snapshot

	clock core.Clock
}

// New seeds memory with an initial (already validated) configuration.
func New(config *core.Config) *Memory {
	return NewWithClock(config, core.RealClock())
}

// NewWithClock injects the snapshot timestamp clock for tests.
func NewWithClock(config *core.Config, clock core.Clock) *Memory {
	return &Memory{
		config:   config.Clone(),
		profiles: make(map[string]*ServiceProfile),
		clock:    clock,
	}
}

// GetConfig returns an immutable copy of the published configuration.
func (m *Memory) GetConfig() *core.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Clone()
}

// UpdateConfig validates, publishes and snapshots a new configuration.
// After it returns every subsequent GetConfig observes the new value.
func (m *Memory) UpdateConfig(newConfig *core.Config) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = newConfig.Clone()
	m.createSnapshotLocked("config_update")
	return nil
}

// CreateSnapshot records the current configuration with a reason.
func (m *Memory) CreateSnapshot(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createSnapshotLocked(reason)
}

func (m *Memory) createSnapshotLocked(reason string) {
	m.snapshots = append(m.snapshots, Snapshot{
		Timestamp: m.clock.Now(),
		Reason:    reason,
		Config:    m.config.Clone(),
	})
	if excess := len(m.snapshots) - maxSnapshots; excess > 0 {
		m.snapshots = append(m.snapshots[:0], m.snapshots[excess:]...)
	}
}

// GetSnapshots returns the history, oldest first.
func (m *Memory) GetSnapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, len(m.snapshots))
	for i, s := range m.snapshots {
		out[i] = Snapshot{Timestamp: s.Timestamp, Reason: s.Reason, Config: s.Config.Clone()}
	}
	return out
}

// RollbackToSnapshot republishes snapshot i's configuration. The rollback
// itself does not create a snapshot.
func (m *Memory) RollbackToSnapshot(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.snapshots) {
		return core.Errf(core.KindInternal, "snapshot %d not found", index)
	}
	m.config = m.snapshots[index].Config.Clone()
	return nil
}

// GetProfile returns a copy of the named service profile.
func (m *Memory) GetProfile(serviceName string) (*ServiceProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[serviceName]
	if !ok {
		return nil, false
	}
	cp := p.clone()
	return cp, true
}

// UpdateProfile stores a service profile.
func (m *Memory) UpdateProfile(serviceName string, profile *ServiceProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[serviceName] = profile.clone()
}

// LearnProfile feeds one observation into the named profile, creating it
// on first sight.
func (m *Memory) LearnProfile(serviceName string, intent core.Intent, rps, latencyMs float64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[serviceName]
	if !ok {
		p = NewServiceProfile(serviceName)
		m.profiles[serviceName] = p
	}
	p.LearnFromObservation(intent, rps, latencyMs, success, m.clock.Now())
}

// Snapshot is a historical immutable copy of the configuration.
type Snapshot struct {
	Timestamp time.Time
	Reason    string
	Config    *core.Config
}

// AgeSeconds reports how long ago the snapshot was taken.
func (s *Snapshot) AgeSeconds() float64 {
	return time.Since(s.Timestamp).Seconds()
}
