package tracing

// Lightweight sampled tracer used for request correlation. Spans carry only
// IDs and timing; exporting is out of scope, logs and events pick the IDs
// up via ExtractIDs.

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"
)

type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool { return true }

func (noopSpan) End()                        {}
func (noopSpan) SetAttribute(string, any)    {}
func (noopSpan) Context() SpanContext        { return SpanContext{} }
func (noopSpan) IsEnded() bool               { return true }

// NewNoopTracer returns a tracer that never samples.
func NewNoopTracer() Tracer { return noopTracer{} }

// NewAdaptiveTracer samples root spans by the percentage percentFn returns
// at span-start time; child spans inherit the sampling decision.
func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return noopTracer{}
	}
	return &adaptiveTracer{percentFn: percentFn}
}

type adaptiveTracer struct{ percentFn func() float64 }

func (a *adaptiveTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := spanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		pct := a.percentFn()
		if pct <= 0 || rand.Float64()*100 > pct {
			return ctx, noopSpan{}
		}
		traceID = newID(16)
	}
	sp := &sampledSpan{
		ctx:   SpanContext{TraceID: traceID, SpanID: newID(8), ParentSpanID: parent.ctx.SpanID, Start: time.Now()},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, spanKey{}, sp), sp
}

func (a *adaptiveTracer) Noop() bool { return false }

type sampledSpan struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

func (s *sampledSpan) End() {
	s.mu.Lock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
	s.mu.Unlock()
}

func (s *sampledSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

func (s *sampledSpan) Context() SpanContext { return s.ctx }

func (s *sampledSpan) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type spanKey struct{}

func spanFromContext(ctx context.Context) *sampledSpan {
	if ctx == nil {
		return &sampledSpan{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*sampledSpan); ok {
		return sp
	}
	return &sampledSpan{}
}

// ExtractIDs pulls the active trace/span IDs out of ctx, empty when
// unsampled.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := spanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}
