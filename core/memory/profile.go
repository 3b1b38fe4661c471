package memory

import (
	"time"

	"dao/core"
)

// ServiceProfile remembers which traffic a service handles well: preferred
// and forbidden intents, the RPS range it performed inside, and the worst
// latency it still served successfully.
type ServiceProfile struct {
	ServiceName            string
	PreferredIntents       []core.Intent
	ForbiddenIntents       []core.Intent
	OptimalRpsMin          float64
	OptimalRpsMax          float64
	HasRpsRange            bool
	MaxAcceptableLatencyMs float64
	HasLatencyBound        bool
	LastUpdated            time.Time
}

// NewServiceProfile starts an empty profile.
func NewServiceProfile(serviceName string) *ServiceProfile {
	return &ServiceProfile{ServiceName: serviceName, LastUpdated: time.Now()}
}

// AcceptsIntent reports whether this service should receive the intent.
// Forbidden intents dominate; an empty preference list accepts everything.
func (p *ServiceProfile) AcceptsIntent(intent core.Intent) bool {
	for _, f := range p.ForbiddenIntents {
		if f.Matches(intent) {
			return false
		}
	}
	if len(p.PreferredIntents) == 0 {
		return true
	}
	for _, pref := range p.PreferredIntents {
		if pref.Matches(intent) {
			return true
		}
	}
	return false
}

// LearnFromObservation updates the profile from one observed request.
// Failures push the intent onto the forbidden list; successes widen the
// preferred set, the optimal RPS range and the latency bound.
func (p *ServiceProfile) LearnFromObservation(intent core.Intent, rps, latencyMs float64, success bool, now time.Time) {
	if !success {
		if !containsIntent(p.ForbiddenIntents, intent) {
			p.ForbiddenIntents = append(p.ForbiddenIntents, intent)
		}
	} else {
		if !containsIntent(p.PreferredIntents, intent) {
			p.PreferredIntents = append(p.PreferredIntents, intent)
		}
		if p.HasRpsRange {
			if rps < p.OptimalRpsMin {
				p.OptimalRpsMin = rps
			}
			if rps > p.OptimalRpsMax {
				p.OptimalRpsMax = rps
			}
		} else {
			p.OptimalRpsMin, p.OptimalRpsMax = rps, rps
			p.HasRpsRange = true
		}
		if !p.HasLatencyBound || latencyMs > p.MaxAcceptableLatencyMs {
			p.MaxAcceptableLatencyMs = latencyMs
			p.HasLatencyBound = true
		}
	}
	p.LastUpdated = now
}

func (p *ServiceProfile) clone() *ServiceProfile {
	cp := *p
	cp.PreferredIntents = append([]core.Intent(nil), p.PreferredIntents...)
	cp.ForbiddenIntents = append([]core.Intent(nil), p.ForbiddenIntents...)
	return &cp
}

func containsIntent(list []core.Intent, intent core.Intent) bool {
	for _, i := range list {
		if i.Matches(intent) {
			return true
		}
	}
	return false
}
