package upstream

import (
	"math"
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"

	"dao/core"
)

const (
	histMinMicros = 1
	histMaxMicros = 60_000_000
	histSigFigs   = 3

	rpsWindow = 60 * time.Second
)

// Stats is the streaming aggregate for one upstream. Reads dominate; a
// single writer mutates per recorded request. Critical sections stay short:
// no I/O, no large allocation under the lock.
type Stats struct {
	mu sync.RWMutex

	latencyHist  *hdrhistogram.Histogram
	successCount uint64
	errorCount   uint64
	lastUpdate   time.Time

	// rpsWindow entries ordered by insertion time; pruned on every record.
	window []rpsEntry

	clock core.Clock
}

type rpsEntry struct {
	at time.Time
	ok bool
}

// NewStats builds an empty aggregate using the wall clock.
func NewStats() *Stats {
	return NewStatsWithClock(core.RealClock())
}

// NewStatsWithClock injects the clock; tests use a fake to drive window
// expiry deterministically.
func NewStatsWithClock(clock core.Clock) *Stats {
	return &Stats{
		latencyHist: hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs),
		window:      make([]rpsEntry, 0, 1024),
		clock:       clock,
		lastUpdate:  clock.Now(),
	}
}

// Record inserts one request outcome. After it returns the RPS window holds
// no entry older than 60s relative to the call instant.
func (s *Stats) Record(latency time.Duration, success bool) {
	micros := latency.Microseconds()
	if micros < histMinMicros {
		micros = histMinMicros
	}
	if micros > histMaxMicros {
		micros = histMaxMicros
	}

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.latencyHist.RecordValue(micros)
	if success {
		s.successCount++
	} else {
		s.errorCount++
	}
	s.lastUpdate = now
	s.window = append(s.window, rpsEntry{at: now, ok: success})
	s.pruneLocked(now)
}

// pruneLocked drops entries older than the 60s window. Entries are in
// insertion order, so a single scan from the front suffices.
func (s *Stats) pruneLocked(now time.Time) {
	cutoff := now.Add(-rpsWindow)
	idx := 0
	for idx < len(s.window) && !s.window[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		s.window = append(s.window[:0], s.window[idx:]...)
	}
}

// Snapshot captures every derived quantity under one read lock so callers
// see a consistent view.
type StatsSnapshot struct {
	SuccessCount   uint64
	ErrorCount     uint64
	P50Ms          float64
	P95Ms          float64
	ErrorRate      float64
	CurrentRps     float64
	TempoSpikiness float64
	LastUpdate     time.Time
}

// Snapshot returns the consistent derived view of the aggregate.
func (s *Stats) Snapshot() StatsSnapshot {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatsSnapshot{
		SuccessCount:   s.successCount,
		ErrorCount:     s.errorCount,
		P50Ms:          s.quantileMsLocked(50),
		P95Ms:          s.quantileMsLocked(95),
		ErrorRate:      s.errorRateLocked(),
		CurrentRps:     s.currentRpsLocked(now),
		TempoSpikiness: s.tempoSpikinessLocked(now),
		LastUpdate:     s.lastUpdate,
	}
}

// P50Ms is the median latency in milliseconds; 0 when empty.
func (s *Stats) P50Ms() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quantileMsLocked(50)
}

// P95Ms is the 95th percentile latency in milliseconds; 0 when empty.
func (s *Stats) P95Ms() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quantileMsLocked(95)
}

// QuantileMs exposes an arbitrary percentile for diagnostics.
func (s *Stats) QuantileMs(q float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quantileMsLocked(q)
}

func (s *Stats) quantileMsLocked(q float64) float64 {
	if s.latencyHist.TotalCount() == 0 {
		return 0
	}
	return float64(s.latencyHist.ValueAtQuantile(q)) / 1000.0
}

// ErrorRate is errors/(successes+errors); 0 when empty.
func (s *Stats) ErrorRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorRateLocked()
}

func (s *Stats) errorRateLocked() float64 {
	total := s.successCount + s.errorCount
	if total == 0 {
		return 0
	}
	return float64(s.errorCount) / float64(total)
}

// CurrentRps counts window entries in the trailing 60s divided by 60.
func (s *Stats) CurrentRps() float64 {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRpsLocked(now)
}

func (s *Stats) currentRpsLocked(now time.Time) float64 {
	if len(s.window) == 0 {
		return 0
	}
	cutoff := now.Add(-rpsWindow)
	count := 0
	for _, e := range s.window {
		if e.at.After(cutoff) {
			count++
		}
	}
	return float64(count) / 60.0
}

// TempoSpikiness is the coefficient of variation of per-10s request counts
// over the trailing minute. Below 10 samples or with a near-zero mean it
// reports 0.
func (s *Stats) TempoSpikiness() float64 {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tempoSpikinessLocked(now)
}

func (s *Stats) tempoSpikinessLocked(now time.Time) float64 {
	if len(s.window) < 10 {
		return 0
	}
	var bins [6]float64
	for _, e := range s.window {
		age := now.Sub(e.at)
		if age < 0 {
			age = 0
		}
		if age < rpsWindow {
			bins[int(age/(10*time.Second))]++
		}
	}
	var sum float64
	for _, b := range bins {
		sum += b
	}
	mean := sum / 6.0
	if mean < 0.1 {
		return 0
	}
	var variance float64
	for _, b := range bins {
		d := b - mean
		variance += d * d
	}
	variance /= 6.0
	return math.Sqrt(variance) / math.Max(mean, 1)
}

// TotalCount reports successes+errors, which equals the number of Record
// calls by construction.
func (s *Stats) TotalCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.successCount + s.errorCount
}

// HistogramCount exposes the histogram sample count for invariant checks.
func (s *Stats) HistogramCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latencyHist.TotalCount()
}

// LastUpdate is the instant of the most recent Record call.
func (s *Stats) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}
