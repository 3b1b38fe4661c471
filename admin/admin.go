// Package admin owns the management plane: config hot reload driven by a
// file watcher, manual reload, and snapshot rollback.
package admin

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"dao/core"
	"dao/core/memory"
	"dao/telemetry/events"
	"dao/telemetry/logging"
)

// Admin wires the config path to memory. The watcher is an owned
// background goroutine: Start launches it, Close tears it down.
type Admin struct {
	configPath string
	mem        *memory.Memory
	bus        events.Bus
	logger     logging.Logger

	// OnApplied runs after each successful reload or rollback with the
	// newly published config. The server hooks its routing rebuild here.
	OnApplied func(cfg *core.Config)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds the admin plane around the published memory.
func New(configPath string, mem *memory.Memory, bus events.Bus, logger logging.Logger) *Admin {
	if logger == nil {
		logger = logging.New(nil)
	}
	return &Admin{configPath: configPath, mem: mem, bus: bus, logger: logger}
}

// Start watches the config file's directory and reloads on create/write
// events for the file. It returns after the watcher goroutine is running;
// cancel ctx or call Close to stop it.
func (a *Admin) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return core.WrapErr(core.KindIo, "create file watcher", err)
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(a.configPath)); err != nil {
		_ = watcher.Close()
		return core.WrapErr(core.KindIo, "watch config dir", err)
	}
	a.watcher = watcher
	a.done = make(chan struct{})
	go a.watchLoop(ctx, watcher, a.done)
	a.logger.InfoCtx(ctx, "config watch started", "path", a.configPath)
	return nil
}

func (a *Admin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(a.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := a.Reload(ctx); err != nil {
				// Previous config stays published; nothing to undo.
				a.logger.ErrorCtx(ctx, "config reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.ErrorCtx(ctx, "config watch error", "error", err)
		}
	}
}

// Reload parses, validates and publishes the config file. Failures leave
// the published config unchanged. Identical repeats are allowed.
func (a *Admin) Reload(ctx context.Context) error {
	cfg, err := core.LoadConfig(a.configPath)
	if err == nil {
		err = a.mem.UpdateConfig(cfg)
	}
	a.publishOutcome(ctx, err)
	if err != nil {
		return err
	}
	a.logger.InfoCtx(ctx, "config reloaded", "path", a.configPath)
	if a.OnApplied != nil {
		a.OnApplied(a.mem.GetConfig())
	}
	return nil
}

// ValidateFile parses and validates without publishing.
func (a *Admin) ValidateFile(path string) error {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// Rollback republishes snapshot index and reapplies it.
func (a *Admin) Rollback(ctx context.Context, index int) error {
	if err := a.mem.RollbackToSnapshot(index); err != nil {
		return err
	}
	a.logger.InfoCtx(ctx, "config rolled back", "snapshot", index)
	if a.OnApplied != nil {
		a.OnApplied(a.mem.GetConfig())
	}
	return nil
}

// CurrentConfig returns the published snapshot.
func (a *Admin) CurrentConfig() *core.Config { return a.mem.GetConfig() }

// Close stops the watcher and waits for its goroutine.
func (a *Admin) Close() error {
	a.mu.Lock()
	watcher := a.watcher
	done := a.done
	a.watcher = nil
	a.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	if done != nil {
		<-done
	}
	return err
}

func (a *Admin) publishOutcome(ctx context.Context, reloadErr error) {
	if a.bus == nil {
		return
	}
	ev := events.Event{
		Category: events.CategoryConfig,
		Type:     "config_reload",
		Severity: "info",
		Fields:   map[string]interface{}{"success": reloadErr == nil},
	}
	if reloadErr != nil {
		ev.Severity = "error"
		ev.Fields["error"] = reloadErr.Error()
	}
	_ = a.bus.PublishCtx(ctx, ev)
}
