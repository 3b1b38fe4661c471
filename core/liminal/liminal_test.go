package liminal

import (
	"sync"
	"time"

	"dao/telemetry/events"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.Local)} // a Monday
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) { c.advance(d) }

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// collectEvents subscribes to the bus and returns a drain function.
func collectEvents(bus events.Bus) func() []events.Event {
	sub, _ := bus.Subscribe(128)
	return func() []events.Event {
		var out []events.Event
		for {
			select {
			case ev := <-sub.C():
				out = append(out, ev)
			default:
				return out
			}
		}
	}
}
