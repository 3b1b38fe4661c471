package liminal

import (
	"math"
	"sync"
)

// defaultThreshold is returned before a window has two samples.
const defaultThreshold = 100.0

// AdaptiveThreshold learns where normal ends: it keeps a sample window and
// places the boundary at mean + k*sigma.
type AdaptiveThreshold struct {
	mu         sync.RWMutex
	history    []float64
	windowSize int
	sigmaMult  float64
}

// NewAdaptiveThreshold sizes the window and sets the sigma multiplier.
func NewAdaptiveThreshold(windowSize int, sigmaMultiplier float64) *AdaptiveThreshold {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &AdaptiveThreshold{
		history:    make([]float64, 0, windowSize),
		windowSize: windowSize,
		sigmaMult:  sigmaMultiplier,
	}
}

// Record appends one sample, evicting the oldest at capacity.
func (t *AdaptiveThreshold) Record(value float64) {
	t.mu.Lock()
	if len(t.history) >= t.windowSize {
		t.history = append(t.history[:0], t.history[1:]...)
	}
	t.history = append(t.history, value)
	t.mu.Unlock()
}

// CurrentThreshold is mean + k*sigma over the window, or the default until
// two samples exist.
func (t *AdaptiveThreshold) CurrentThreshold() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.history) < 2 {
		return defaultThreshold
	}
	var mean float64
	for _, v := range t.history {
		mean += v
	}
	mean /= float64(len(t.history))
	var variance float64
	for _, v := range t.history {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(t.history))
	return mean + t.sigmaMult*math.Sqrt(variance)
}

// Exceeds reports whether value crosses the learned boundary.
func (t *AdaptiveThreshold) Exceeds(value float64) bool {
	return value > t.CurrentThreshold()
}

// AdaptiveThresholds bundles the learned boundaries per metric.
type AdaptiveThresholds struct {
	RateLimit *AdaptiveThreshold
	ErrorRate *AdaptiveThreshold
	Latency   *AdaptiveThreshold
}

// NewAdaptiveThresholds applies the stock window sizes and multipliers
// (1000/2.0, 500/3.0, 1000/2.5).
func NewAdaptiveThresholds() *AdaptiveThresholds {
	return &AdaptiveThresholds{
		RateLimit: NewAdaptiveThreshold(1000, 2.0),
		ErrorRate: NewAdaptiveThreshold(500, 3.0),
		Latency:   NewAdaptiveThreshold(1000, 2.5),
	}
}

// Update records one sample into every window.
func (t *AdaptiveThresholds) Update(rps, errorRate, latencyMs float64) {
	t.RateLimit.Record(rps)
	t.ErrorRate.Record(errorRate)
	t.Latency.Record(latencyMs)
}
