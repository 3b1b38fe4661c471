package upstream

import (
	"time"

	"dao/core"
)

// State is the process-lifetime identity of one backend plus its shared
// mutable stats. Identity fields never change after construction; a full
// config reload rebuilds the state table instead.
type State struct {
	Name    string
	Url     string
	Intents []core.Intent
	Weight  uint32

	stats *Stats
}

// NewState builds an upstream state with fresh stats.
func NewState(name, url string, intents []core.Intent, weight uint32) *State {
	return NewStateWithClock(name, url, intents, weight, core.RealClock())
}

// NewStateWithClock injects the stats clock for tests.
func NewStateWithClock(name, url string, intents []core.Intent, weight uint32, clock core.Clock) *State {
	if weight == 0 {
		weight = 1
	}
	return &State{
		Name:    name,
		Url:     url,
		Intents: intents,
		Weight:  weight,
		stats:   NewStatsWithClock(clock),
	}
}

// IntentGap scores intent mismatch: 0 when the upstream declares no intents
// or any declared intent matches the request intent, 1 otherwise.
func (s *State) IntentGap(requestIntent core.Intent) float64 {
	if len(s.Intents) == 0 {
		return 0
	}
	for _, intent := range s.Intents {
		if intent.Matches(requestIntent) {
			return 0
		}
	}
	return 1
}

// RecordRequest feeds one request outcome into the shared stats.
func (s *State) RecordRequest(latency time.Duration, success bool) {
	s.stats.Record(latency, success)
}

// Stats exposes the shared aggregate.
func (s *State) Stats() *Stats { return s.stats }
