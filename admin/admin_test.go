package admin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dao/core"
	"dao/core/memory"
)

const configA = `
[server]
bind = "127.0.0.1:8080"

[[routes.rule]]
name = "api"
policy = "resonant"

[routes.rule.match]
path_prefix = "/v1"

[[routes.rule.upstreams]]
name = "u1"
url = "http://127.0.0.1:9001"
`

const configB = `
[server]
bind = "127.0.0.1:9090"

[[routes.rule]]
name = "api"
policy = "resonant"

[routes.rule.match]
path_prefix = "/v1"

[[routes.rule.upstreams]]
name = "u1"
url = "http://127.0.0.1:9001"
`

const configInvalid = `
[server]
bind = ""

[[routes.rule]]
name = "api"
policy = "resonant"

[[routes.rule.upstreams]]
name = "u1"
url = "http://127.0.0.1:9001"
`

func setup(t *testing.T, initial string) (*Admin, *memory.Memory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dao.toml")
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := core.LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	mem := memory.New(cfg)
	return New(path, mem, nil, nil), mem, path
}

func TestManualReloadAppliesNewConfig(t *testing.T) {
	adm, mem, path := setup(t, configA)
	applied := 0
	adm.OnApplied = func(cfg *core.Config) { applied++ }

	if err := os.WriteFile(path, []byte(configB), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := adm.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := mem.GetConfig().Server.Bind; got != "127.0.0.1:9090" {
		t.Fatalf("reload did not publish, bind=%q", got)
	}
	if applied != 1 {
		t.Fatalf("OnApplied must fire once, fired %d", applied)
	}
}

// An invalid file is reported and the previous configuration stays
// published.
func TestReloadInvalidFileKeepsPreviousConfig(t *testing.T) {
	adm, mem, path := setup(t, configA)
	if err := os.WriteFile(path, []byte(configInvalid), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := adm.Reload(context.Background()); err == nil {
		t.Fatalf("invalid file must fail the reload")
	}
	if got := mem.GetConfig().Server.Bind; got != "127.0.0.1:8080" {
		t.Fatalf("previous config lost: bind=%q", got)
	}
}

func TestReloadUnparseableFileKeepsPreviousConfig(t *testing.T) {
	adm, mem, path := setup(t, configA)
	if err := os.WriteFile(path, []byte("not toml {{{"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := adm.Reload(context.Background()); err == nil {
		t.Fatalf("parse error must fail the reload")
	}
	if got := mem.GetConfig().Server.Bind; got != "127.0.0.1:8080" {
		t.Fatalf("previous config lost: bind=%q", got)
	}
}

func TestValidateFileWithoutPublishing(t *testing.T) {
	adm, mem, path := setup(t, configA)
	other := filepath.Join(filepath.Dir(path), "candidate.toml")
	if err := os.WriteFile(other, []byte(configB), 0o644); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	if err := adm.ValidateFile(other); err != nil {
		t.Fatalf("validate candidate: %v", err)
	}
	if got := mem.GetConfig().Server.Bind; got != "127.0.0.1:8080" {
		t.Fatalf("validation must not publish, bind=%q", got)
	}
}

func TestRollbackThroughAdmin(t *testing.T) {
	adm, mem, path := setup(t, configA)
	if err := os.WriteFile(path, []byte(configB), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := adm.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	applied := 0
	adm.OnApplied = func(cfg *core.Config) { applied++ }
	if err := adm.Rollback(context.Background(), 0); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := mem.GetConfig().Server.Bind; got != "127.0.0.1:9090" {
		t.Fatalf("snapshot 0 is the post-update config, bind=%q", got)
	}
	if applied != 1 {
		t.Fatalf("rollback must reapply, fired %d", applied)
	}
}

func TestWatcherReloadsOnFileWrite(t *testing.T) {
	adm, mem, path := setup(t, configA)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adm.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer func() { _ = adm.Close() }()

	if err := os.WriteFile(path, []byte(configB), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if mem.GetConfig().Server.Bind == "127.0.0.1:9090" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watcher did not pick up the file change")
}

func TestCloseIsIdempotent(t *testing.T) {
	adm, _, _ := setup(t, configA)
	if err := adm.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := adm.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := adm.Close(); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}
}
