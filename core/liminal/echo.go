package liminal

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"dao/telemetry/events"
)

// RequestEcho is the compact fingerprint one served request leaves behind.
// Anomaly detection compares fresh echoes against the recent population.
type RequestEcho struct {
	PathHash     uint64
	Method       string
	Status       int
	LatencyMs    float64
	ResponseSize uint64
	Timestamp    time.Time
}

// HashPath reduces a request path to the fingerprint hash.
func HashPath(path string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

// Distance measures how unlike two echoes are: 1 for a different path, 0.5
// for a different method, 2 for a different status class, plus normalised
// latency and size deltas.
func (e *RequestEcho) Distance(other *RequestEcho) float64 {
	var dist float64
	if e.PathHash != other.PathHash {
		dist += 1.0
	}
	if e.Method != other.Method {
		dist += 0.5
	}
	if e.Status/100 != other.Status/100 {
		dist += 2.0
	}
	dist += math.Abs(e.LatencyMs-other.LatencyMs) / math.Max(e.LatencyMs, 1.0)
	sizeDiff := math.Abs(float64(e.ResponseSize) - float64(other.ResponseSize))
	dist += 0.5 * sizeDiff / math.Max(float64(e.ResponseSize), 1.0)
	return dist
}

// EchoAnalyzer keeps a ring of recent echoes and flags statistical
// outliers. Detection is advisory: it emits events, it never blocks a
// request.
type EchoAnalyzer struct {
	mu         sync.RWMutex
	buffer     []RequestEcho
	bufferSize int
	threshold  float64

	bus events.Bus
}

// NewEchoAnalyzer sizes the ring and sets the z-score threshold (sigmas).
func NewEchoAnalyzer(bufferSize int, anomalyThreshold float64, bus events.Bus) *EchoAnalyzer {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if anomalyThreshold <= 0 {
		anomalyThreshold = 3.0
	}
	return &EchoAnalyzer{
		buffer:     make([]RequestEcho, 0, bufferSize),
		bufferSize: bufferSize,
		threshold:  anomalyThreshold,
		bus:        bus,
	}
}

// RecordEcho appends one echo, evicting the oldest at capacity.
func (a *EchoAnalyzer) RecordEcho(echo RequestEcho) {
	a.mu.Lock()
	if len(a.buffer) >= a.bufferSize {
		a.buffer = append(a.buffer[:0], a.buffer[1:]...)
	}
	a.buffer = append(a.buffer, echo)
	a.mu.Unlock()
}

// IsAnomaly tests current against the buffered population. Under 10
// samples everything passes.
func (a *EchoAnalyzer) IsAnomaly(current *RequestEcho) bool {
	a.mu.RLock()
	if len(a.buffer) < 10 {
		a.mu.RUnlock()
		return false
	}
	distances := make([]float64, len(a.buffer))
	for i := range a.buffer {
		distances[i] = current.Distance(&a.buffer[i])
	}
	a.mu.RUnlock()

	var mean float64
	for _, d := range distances {
		mean += d
	}
	mean /= float64(len(distances))
	var variance float64
	for _, d := range distances {
		diff := d - mean
		variance += diff * diff
	}
	variance /= float64(len(distances))
	stdDev := math.Sqrt(variance)

	if stdDev <= 0.001 {
		return false
	}
	zScore := math.Abs(mean / stdDev)
	if zScore <= a.threshold {
		return false
	}
	if a.bus != nil {
		_ = a.bus.Publish(events.Event{
			Category: events.CategoryAnomaly,
			Type:     "echo_anomaly",
			Severity: "warn",
			Fields: map[string]interface{}{
				"z_score":       zScore,
				"mean_distance": mean,
				"method":        current.Method,
				"status":        current.Status,
			},
		})
	}
	return true
}

// EchoStatistics summarises the buffered echoes.
type EchoStatistics struct {
	TotalCount         int
	AvgLatencyMs       float64
	StatusDistribution map[int]int
}

// Statistics computes the summary over the current buffer contents.
func (a *EchoAnalyzer) Statistics() EchoStatistics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stats := EchoStatistics{
		TotalCount:         len(a.buffer),
		StatusDistribution: make(map[int]int),
	}
	if len(a.buffer) == 0 {
		return stats
	}
	var totalLatency float64
	for _, e := range a.buffer {
		totalLatency += e.LatencyMs
		stats.StatusDistribution[e.Status/100*100]++
	}
	stats.AvgLatencyMs = totalLatency / float64(len(a.buffer))
	return stats
}

// Clear drops the buffered echoes.
func (a *EchoAnalyzer) Clear() {
	a.mu.Lock()
	a.buffer = a.buffer[:0]
	a.mu.Unlock()
}
