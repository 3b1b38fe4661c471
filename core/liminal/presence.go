package liminal

import (
	"sync"
	"time"

	"dao/core"
	"dao/telemetry/events"
)

// PresenceState classifies upstream reachability. The distinction that
// matters is "slow" versus "gone": a flickering upstream still takes
// traffic, an absent one does not.
type PresenceState int

const (
	// PresenceUnknown means not enough data yet.
	PresenceUnknown PresenceState = iota
	// PresencePresent means the upstream answers stably.
	PresencePresent
	// PresenceLiminal means the upstream flickers.
	PresenceLiminal
	// PresenceAbsent means the upstream is gone.
	PresenceAbsent
)

func (s PresenceState) String() string {
	switch s {
	case PresencePresent:
		return "present"
	case PresenceLiminal:
		return "liminal"
	case PresenceAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// CanSendTraffic reports whether the state still takes requests.
func (s PresenceState) CanSendTraffic() bool {
	return s == PresencePresent || s == PresenceLiminal
}

// PresenceConfig tunes the classifier.
type PresenceConfig struct {
	// HistorySize is the check ring length.
	HistorySize int
	// PresentThreshold is the success rate at or above which the upstream
	// is Present.
	PresentThreshold float64
	// LiminalThreshold is the success rate at or above which the upstream
	// is at least Liminal.
	LiminalThreshold float64
	// AbsentTimeout is how stale the last success must be before a failing
	// upstream is declared Absent.
	AbsentTimeout time.Duration
}

// DefaultPresenceConfig returns the stock 10-check window with 0.8/0.3
// thresholds and a 30s absence timeout.
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		HistorySize:      10,
		PresentThreshold: 0.8,
		LiminalThreshold: 0.3,
		AbsentTimeout:    30 * time.Second,
	}
}

type presenceHistory struct {
	checks      []bool
	lastSuccess time.Time
	lastFailure time.Time
	hasSuccess  bool
	hasFailure  bool
}

// PresenceDetector tracks one upstream's check outcomes and derives its
// presence state. The state is a pure function of the history contents and
// the config; transitions are published on the bus.
type PresenceDetector struct {
	mu      sync.RWMutex
	state   PresenceState
	history presenceHistory
	config  PresenceConfig

	upstreamName string
	clock        core.Clock
	bus          events.Bus
}

// NewPresenceDetector builds a detector in the Unknown state.
func NewPresenceDetector(upstreamName string, config PresenceConfig, clock core.Clock, bus events.Bus) *PresenceDetector {
	if config.HistorySize <= 0 {
		config.HistorySize = 10
	}
	if clock == nil {
		clock = core.RealClock()
	}
	return &PresenceDetector{
		state:        PresenceUnknown,
		history:      presenceHistory{checks: make([]bool, 0, config.HistorySize)},
		config:       config,
		upstreamName: upstreamName,
		clock:        clock,
		bus:          bus,
	}
}

// RecordCheck feeds one check outcome and reclassifies.
func (d *PresenceDetector) RecordCheck(success bool) {
	now := d.clock.Now()

	d.mu.Lock()
	if len(d.history.checks) >= d.config.HistorySize {
		d.history.checks = append(d.history.checks[:0], d.history.checks[1:]...)
	}
	d.history.checks = append(d.history.checks, success)
	if success {
		d.history.lastSuccess = now
		d.history.hasSuccess = true
	} else {
		d.history.lastFailure = now
		d.history.hasFailure = true
	}
	newState := d.classifyLocked(now)
	oldState := d.state
	d.state = newState
	d.mu.Unlock()

	if newState != oldState && d.bus != nil {
		_ = d.bus.Publish(events.Event{
			Category: events.CategoryPresence,
			Type:     "presence_transition",
			Severity: "info",
			Labels:   map[string]string{"upstream": d.upstreamName},
			Fields: map[string]interface{}{
				"from": oldState.String(),
				"to":   newState.String(),
			},
		})
	}
}

func (d *PresenceDetector) classifyLocked(now time.Time) PresenceState {
	if len(d.history.checks) == 0 {
		return d.state
	}
	successRate := d.successRateLocked()
	switch {
	case successRate >= d.config.PresentThreshold:
		return PresencePresent
	case successRate >= d.config.LiminalThreshold:
		return PresenceLiminal
	case !d.history.hasSuccess:
		return PresenceAbsent
	case now.Sub(d.history.lastSuccess) > d.config.AbsentTimeout:
		return PresenceAbsent
	default:
		return PresenceLiminal
	}
}

// CurrentState returns the current classification.
func (d *PresenceDetector) CurrentState() PresenceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SuccessRate over the history window; 0 when empty.
func (d *PresenceDetector) SuccessRate() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.successRateLocked()
}

func (d *PresenceDetector) successRateLocked() float64 {
	if len(d.history.checks) == 0 {
		return 0
	}
	ok := 0
	for _, c := range d.history.checks {
		if c {
			ok++
		}
	}
	return float64(ok) / float64(len(d.history.checks))
}
