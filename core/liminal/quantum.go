package liminal

import (
	"context"
	"io"
	"net/http"
	"time"

	"dao/core"
	"dao/core/upstream"
)

// CollapseStrategy decides which of several in-flight attempts becomes the
// response.
type CollapseStrategy int

const (
	// CollapseFirstSuccess ignores failures until a 2xx/3xx arrives or
	// every attempt has failed.
	CollapseFirstSuccess CollapseStrategy = iota
	// CollapseFirstAny accepts whatever outcome lands first.
	CollapseFirstAny
	// CollapseFastestOfN waits for every attempt and keeps the one with
	// the smallest latency.
	CollapseFastestOfN
)

// ParseCollapseStrategy maps config strings onto strategies; unknown input
// falls back to first_success.
func ParseCollapseStrategy(s string) CollapseStrategy {
	switch s {
	case "first_any":
		return CollapseFirstAny
	case "fastest_of_n":
		return CollapseFastestOfN
	default:
		return CollapseFirstSuccess
	}
}

// QuantumConfig tunes hedged dispatch.
type QuantumConfig struct {
	// Factor is how many upstreams may carry the same request at once.
	Factor int
	// Timeout is the hedge delay before the next attempt launches.
	Timeout time.Duration
	// Collapse picks the winner.
	Collapse CollapseStrategy
}

// DefaultQuantumConfig disables hedging (factor 1).
func DefaultQuantumConfig() QuantumConfig {
	return QuantumConfig{Factor: 1, Timeout: 50 * time.Millisecond, Collapse: CollapseFirstSuccess}
}

// DispatchFunc sends the request to one upstream and returns its response
// and latency. Implementations must honor ctx cancellation.
type DispatchFunc func(ctx context.Context, u *upstream.State) (*http.Response, time.Duration, error)

// QuantumRouter runs a request in superposition: attempt the first
// candidate, hedge to the next after the quantum timeout, and collapse to
// one winner. Losing attempts are cancelled and their bodies closed.
type QuantumRouter struct {
	config QuantumConfig
}

// NewQuantumRouter wraps the config.
func NewQuantumRouter(config QuantumConfig) *QuantumRouter {
	if config.Factor < 1 {
		config.Factor = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 50 * time.Millisecond
	}
	return &QuantumRouter{config: config}
}

// Config exposes the active tuning.
func (q *QuantumRouter) Config() QuantumConfig { return q.config }

// ShouldRoute reports whether hedging applies for this candidate count.
func (q *QuantumRouter) ShouldRoute(candidateCount int) bool {
	return q.config.Factor > 1 && candidateCount >= q.config.Factor
}

type quantumOutcome struct {
	idx     int
	resp    *http.Response
	latency time.Duration
	err     error
}

// Route dispatches with hedging and returns the winning response plus the
// index of the upstream that served it. The returned response's Body also
// releases the winner's attempt context on Close.
func (q *QuantumRouter) Route(ctx context.Context, candidates []*upstream.State, dispatch DispatchFunc) (*http.Response, int, error) {
	if len(candidates) == 0 {
		return nil, 0, core.Errf(core.KindUpstream, "no upstreams available")
	}
	factor := q.config.Factor
	if factor > len(candidates) {
		factor = len(candidates)
	}

	outcomes := make(chan quantumOutcome, factor)
	cancels := make([]context.CancelFunc, factor)

	launch := func(i int) {
		attemptCtx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		u := candidates[i]
		go func() {
			resp, latency, err := dispatch(attemptCtx, u)
			outcomes <- quantumOutcome{idx: i, resp: resp, latency: latency, err: err}
		}()
	}

	launched := 1
	launch(0)
	hedge := time.NewTimer(q.config.Timeout)
	defer hedge.Stop()

	received := 0
	var fallback *quantumOutcome
	var fastest *quantumOutcome

	finish := func(winner quantumOutcome) (*http.Response, int, error) {
		q.releaseLosers(winner.idx, cancels, launched, received, outcomes)
		if fallback != nil && fallback.idx != winner.idx && fallback.resp != nil {
			_ = fallback.resp.Body.Close()
		}
		if winner.resp != nil {
			winner.resp.Body = &cancelOnClose{rc: winner.resp.Body, cancel: cancels[winner.idx]}
		}
		return winner.resp, winner.idx, winner.err
	}

	for {
		select {
		case <-ctx.Done():
			q.releaseLosers(-1, cancels, launched, received, outcomes)
			return nil, 0, core.WrapErr(core.KindUpstream, "request cancelled", ctx.Err())
		case <-hedge.C:
			if launched < factor {
				launch(launched)
				launched++
				hedge.Reset(q.config.Timeout)
			}
		case o := <-outcomes:
			received++
			switch q.config.Collapse {
			case CollapseFirstAny:
				return finish(o)
			case CollapseFirstSuccess:
				if o.err == nil && o.resp != nil && o.resp.StatusCode < 400 {
					return finish(o)
				}
				if fallback != nil && fallback.resp != nil {
					_ = fallback.resp.Body.Close()
				}
				keep := o
				fallback = &keep
				if launched < factor {
					// A failed attempt hedges immediately instead of
					// waiting out the timer.
					launch(launched)
					launched++
					hedge.Reset(q.config.Timeout)
				} else if received == factor {
					return finish(*fallback)
				}
			case CollapseFastestOfN:
				if launched < factor {
					launch(launched)
					launched++
					hedge.Reset(q.config.Timeout)
				}
				if o.err == nil && o.resp != nil {
					if fastest == nil || o.latency < fastest.latency {
						if fastest != nil && fastest.resp != nil {
							_ = fastest.resp.Body.Close()
						}
						keep := o
						fastest = &keep
					} else {
						_ = o.resp.Body.Close()
					}
				} else {
					keep := o
					if fallback == nil {
						fallback = &keep
					}
				}
				if received == factor {
					if fastest != nil {
						return finish(*fastest)
					}
					return finish(*fallback)
				}
			}
		}
	}
}

// releaseLosers cancels every attempt except the winner and drains
// outstanding outcomes in the background, closing their bodies.
func (q *QuantumRouter) releaseLosers(winnerIdx int, cancels []context.CancelFunc, launched, received int, outcomes chan quantumOutcome) {
	for i := 0; i < launched; i++ {
		if i != winnerIdx && cancels[i] != nil {
			cancels[i]()
		}
	}
	if pending := launched - received; pending > 0 {
		go func() {
			for i := 0; i < pending; i++ {
				o := <-outcomes
				if o.resp != nil {
					_ = o.resp.Body.Close()
				}
			}
		}()
	}
}

// cancelOnClose ties an attempt's context lifetime to its response body.
type cancelOnClose struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelOnClose) Close() error {
	err := c.rc.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}
