package memory

import (
	"fmt"
	"testing"

	"dao/core"
)

func testConfig(bind string) *core.Config {
	return &core.Config{
		Server: core.ServerConfig{Bind: bind},
		Routes: core.RoutesConfig{Rule: []core.RouteRule{{
			Name:      "r",
			Upstreams: []core.UpstreamConfig{{Name: "u", Url: "http://127.0.0.1:9001"}},
		}}},
	}
}

func TestUpdateConfigPublishes(t *testing.T) {
	mem := New(testConfig("a:1"))
	if err := mem.UpdateConfig(testConfig("b:2")); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if got := mem.GetConfig().Server.Bind; got != "b:2" {
		t.Fatalf("update not visible: %q", got)
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	mem := New(testConfig("a:1"))
	bad := testConfig("")
	if err := mem.UpdateConfig(bad); err == nil {
		t.Fatalf("invalid config must be rejected")
	}
	if got := mem.GetConfig().Server.Bind; got != "a:1" {
		t.Fatalf("rejected update must leave config unchanged, got %q", got)
	}
}

func TestGetConfigReturnsCopy(t *testing.T) {
	mem := New(testConfig("a:1"))
	snapshot := mem.GetConfig()
	snapshot.Server.Bind = "mutated:9"
	snapshot.Routes.Rule[0].Name = "mutated"
	fresh := mem.GetConfig()
	if fresh.Server.Bind != "a:1" || fresh.Routes.Rule[0].Name != "r" {
		t.Fatalf("reader mutation leaked into published config")
	}
}

func TestUpdateCreatesSnapshot(t *testing.T) {
	mem := New(testConfig("a:1"))
	_ = mem.UpdateConfig(testConfig("b:2"))
	snaps := mem.GetSnapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snaps))
	}
	if snaps[0].Reason != "config_update" {
		t.Fatalf("unexpected snapshot reason %q", snaps[0].Reason)
	}
	if snaps[0].Config.Server.Bind != "b:2" {
		t.Fatalf("snapshot must capture the new config")
	}
}

// Applying A, B, C then rolling back to the first snapshot republishes A,
// and the ring length stays at three.
func TestRollbackToSnapshot(t *testing.T) {
	mem := New(testConfig("seed:0"))
	for i, bind := range []string{"a:1", "b:2", "c:3"} {
		if err := mem.UpdateConfig(testConfig(bind)); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if err := mem.RollbackToSnapshot(0); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := mem.GetConfig().Server.Bind; got != "a:1" {
		t.Fatalf("rollback must republish snapshot 0, got %q", got)
	}
	if got := len(mem.GetSnapshots()); got != 3 {
		t.Fatalf("rollback must not create a snapshot, ring length %d", got)
	}
}

func TestRollbackOutOfRange(t *testing.T) {
	mem := New(testConfig("a:1"))
	if err := mem.RollbackToSnapshot(0); err == nil {
		t.Fatalf("rollback with no snapshots must fail")
	}
	if err := mem.RollbackToSnapshot(-1); err == nil {
		t.Fatalf("negative index must fail")
	}
}

func TestSnapshotRingEvictsFifo(t *testing.T) {
	mem := New(testConfig("seed:0"))
	for i := 0; i < 130; i++ {
		if err := mem.UpdateConfig(testConfig(fmt.Sprintf("host%d:1", i))); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	snaps := mem.GetSnapshots()
	if len(snaps) != 100 {
		t.Fatalf("ring must cap at 100, got %d", len(snaps))
	}
	// Oldest eviction is FIFO: the first surviving snapshot is update 30.
	if got := snaps[0].Config.Server.Bind; got != "host30:1" {
		t.Fatalf("expected host30:1 as the oldest survivor, got %q", got)
	}
	if got := snaps[99].Config.Server.Bind; got != "host129:1" {
		t.Fatalf("expected the latest snapshot last, got %q", got)
	}
}

func TestServiceProfileLearning(t *testing.T) {
	mem := New(testConfig("a:1"))
	mem.LearnProfile("svc", "realtime", 50, 20, true)
	mem.LearnProfile("svc", "bulk", 10, 900, false)

	profile, ok := mem.GetProfile("svc")
	if !ok {
		t.Fatalf("profile must exist after learning")
	}
	if !profile.AcceptsIntent("realtime") {
		t.Fatalf("successful intent must be accepted")
	}
	if profile.AcceptsIntent("bulk") {
		t.Fatalf("failed intent must be forbidden")
	}
	if !profile.HasRpsRange || profile.OptimalRpsMin != 50 || profile.OptimalRpsMax != 50 {
		t.Fatalf("rps range not learned: %+v", profile)
	}
	if !profile.HasLatencyBound || profile.MaxAcceptableLatencyMs != 20 {
		t.Fatalf("latency bound not learned: %+v", profile)
	}
}

func TestServiceProfileEmptyPreferencesAcceptAll(t *testing.T) {
	p := NewServiceProfile("svc")
	if !p.AcceptsIntent("anything") {
		t.Fatalf("empty preference list must accept all intents")
	}
}

func TestGetProfileReturnsCopy(t *testing.T) {
	mem := New(testConfig("a:1"))
	mem.LearnProfile("svc", "realtime", 50, 20, true)
	p1, _ := mem.GetProfile("svc")
	p1.PreferredIntents[0] = "mutated"
	p2, _ := mem.GetProfile("svc")
	if p2.PreferredIntents[0] != "realtime" {
		t.Fatalf("profile copies alias internal state")
	}
}
