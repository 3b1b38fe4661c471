package liminal

import (
	"time"

	"dao/core"
	"dao/telemetry/events"
)

// Orchestrator owns every liminal subsystem and drives their periodic
// updates. Shadow, quantum and zones are optional; consciousness,
// temporal resonance, adaptive thresholds and echo analysis always run.
type Orchestrator struct {
	shadow        *ShadowTraffic
	quantum       *QuantumRouter
	consciousness *AwarenessOrchestrator
	temporal      *TemporalResonance
	zones         *LiminalZones
	echo          *EchoAnalyzer
	adaptive      *AdaptiveThresholds
	ritual        *RitualProtocol
	metamorphic   *MetamorphicConfig

	clock core.Clock
}

// NewOrchestrator wires the subsystems from the optional file-level
// liminal section. A nil cfg keeps the defaults: analysis subsystems on,
// traffic tactics off.
func NewOrchestrator(cfg *core.LiminalConfig, bus events.Bus, clock core.Clock) *Orchestrator {
	if clock == nil {
		clock = core.RealClock()
	}
	o := &Orchestrator{
		consciousness: NewAwarenessOrchestrator(DefaultAwarenessConfig(), bus),
		temporal:      NewTemporalResonance(clock),
		adaptive:      NewAdaptiveThresholds(),
		ritual:        NewRitualProtocol(clock),
		metamorphic:   NewMetamorphicConfig(clock),
		clock:         clock,
	}

	echoSize, echoThreshold := 1000, 3.0
	if cfg != nil && cfg.Echo != nil {
		if cfg.Echo.BufferSize > 0 {
			echoSize = cfg.Echo.BufferSize
		}
		if cfg.Echo.AnomalyThreshold > 0 {
			echoThreshold = cfg.Echo.AnomalyThreshold
		}
	}
	o.echo = NewEchoAnalyzer(echoSize, echoThreshold, bus)

	if cfg != nil && cfg.Shadow != nil && cfg.Shadow.Upstream != "" {
		o.shadow = NewShadowTraffic(ShadowConfig{
			ShadowUpstream: cfg.Shadow.Upstream,
			ShadowRate:     cfg.Shadow.Rate,
			Mode:           ParseShadowMode(cfg.Shadow.Mode),
		}, bus, time.Now().UnixNano())
	}
	if cfg != nil && cfg.Quantum != nil && cfg.Quantum.Factor > 1 {
		o.quantum = NewQuantumRouter(QuantumConfig{
			Factor:   cfg.Quantum.Factor,
			Timeout:  time.Duration(cfg.Quantum.TimeoutMs) * time.Millisecond,
			Collapse: ParseCollapseStrategy(cfg.Quantum.Collapse),
		})
	}
	if cfg != nil && len(cfg.Zones) > 0 {
		zones := make([]ZoneConfig, 0, len(cfg.Zones))
		for _, z := range cfg.Zones {
			zones = append(zones, ZoneConfig{
				At:      time.Duration(z.AtMs) * time.Millisecond,
				Status:  z.Status,
				Body:    z.Body,
				Headers: z.Headers,
			})
		}
		o.zones = NewLiminalZones(zones)
	}
	return o
}

// Accessors; optional subsystems return nil when disabled.

func (o *Orchestrator) Shadow() *ShadowTraffic               { return o.shadow }
func (o *Orchestrator) Quantum() *QuantumRouter              { return o.quantum }
func (o *Orchestrator) Consciousness() *AwarenessOrchestrator { return o.consciousness }
func (o *Orchestrator) Temporal() *TemporalResonance         { return o.temporal }
func (o *Orchestrator) Zones() *LiminalZones                 { return o.zones }
func (o *Orchestrator) Echo() *EchoAnalyzer                  { return o.echo }
func (o *Orchestrator) Adaptive() *AdaptiveThresholds        { return o.adaptive }
func (o *Orchestrator) Ritual() *RitualProtocol              { return o.ritual }
func (o *Orchestrator) Metamorphic() *MetamorphicConfig      { return o.metamorphic }

// Update refreshes the periodic subsystems from the latest factors. Call
// it on a timer; it never blocks on I/O.
func (o *Orchestrator) Update(factors AwarenessFactors) {
	o.consciousness.UpdateLevel(factors)
	o.adaptive.Update(factors.CurrentRps, factors.ErrorRate, factors.P95LatencyMs)
	o.ritual.Update()
	o.metamorphic.UpdateProgress()
}

// RecordTemporalObservation feeds the temporal learner.
func (o *Orchestrator) RecordTemporalObservation(obs TemporalObservation) {
	o.temporal.RecordObservation(obs)
}

// RecordEcho stores one request fingerprint.
func (o *Orchestrator) RecordEcho(echo RequestEcho) {
	o.echo.RecordEcho(echo)
}

// IsAnomaly tests a fingerprint against the recent population.
func (o *Orchestrator) IsAnomaly(echo *RequestEcho) bool {
	return o.echo.IsAnomaly(echo)
}

// IsProductionReady proxies the ritual phase check.
func (o *Orchestrator) IsProductionReady() bool {
	return o.ritual.IsProductionReady()
}
