package liminal

import (
	"testing"
	"time"

	"dao/core"
)

func minimalConfig(bind string) *core.Config {
	return &core.Config{
		Server: core.ServerConfig{Bind: bind},
		Routes: core.RoutesConfig{Rule: []core.RouteRule{{
			Name:      "r",
			Upstreams: []core.UpstreamConfig{{Name: "u", Url: "http://127.0.0.1:9001"}},
		}}},
	}
}

func TestMetamorphicStableByDefault(t *testing.T) {
	m := NewMetamorphicConfig(newFakeClock())
	if m.IsTransforming() {
		t.Fatalf("fresh metamorphic state must be stable")
	}
	if m.Progress() != 1.0 {
		t.Fatalf("stable progress must read 1.0, got %v", m.Progress())
	}
}

func TestMetamorphicProgressAdvances(t *testing.T) {
	clock := newFakeClock()
	m := NewMetamorphicConfig(clock)
	m.BeginTransformation(minimalConfig("a:1"), minimalConfig("b:1"), 10*time.Second)

	if !m.IsTransforming() {
		t.Fatalf("transformation did not start")
	}
	clock.advance(5 * time.Second)
	m.UpdateProgress()
	if p := m.Progress(); p < 0.49 || p > 0.51 {
		t.Fatalf("expected halfway progress, got %v", p)
	}

	clock.advance(6 * time.Second)
	m.UpdateProgress()
	if m.IsTransforming() {
		t.Fatalf("transformation must settle to stable at 1.0")
	}
	if m.Progress() != 1.0 {
		t.Fatalf("settled progress must read 1.0, got %v", m.Progress())
	}
}

func TestRitualPhasesAdvanceInOrder(t *testing.T) {
	clock := newFakeClock()
	r := NewRitualProtocol(clock)
	if r.CurrentPhase() != PhasePreparation {
		t.Fatalf("ritual must start at preparation")
	}
	if r.IsProductionReady() {
		t.Fatalf("not production ready during warmup")
	}

	for _, want := range []RitualPhase{PhaseLoadConfig, PhaseWarmConnections, PhaseShadowTesting, PhaseFullProduction} {
		clock.advance(r.CurrentPhase().Duration())
		r.Update()
		if got := r.CurrentPhase(); got != want {
			t.Fatalf("expected phase %v, got %v", want, got)
		}
	}
	if !r.IsProductionReady() {
		t.Fatalf("full production must be production ready")
	}
}
