package align

// PolicyWeights are the resonant scoring coefficients. All must be
// non-negative; lower total score wins.
type PolicyWeights struct {
	// WLoad weights load resonance (latency + errors + queue).
	WLoad float64
	// WIntent weights the intent gap (purpose mismatch).
	WIntent float64
	// WTempo weights tempo spikiness (RPS variability).
	WTempo float64
}

// DefaultPolicyWeights returns the stock 0.6/0.3/0.1 split.
func DefaultPolicyWeights() PolicyWeights {
	return PolicyWeights{WLoad: 0.6, WIntent: 0.3, WTempo: 0.1}
}

// NewPolicyWeights builds weights from explicit coefficients.
func NewPolicyWeights(wLoad, wIntent, wTempo float64) PolicyWeights {
	return PolicyWeights{WLoad: wLoad, WIntent: wIntent, WTempo: wTempo}
}

// Valid reports whether every coefficient is non-negative.
func (w PolicyWeights) Valid() bool {
	return w.WLoad >= 0 && w.WIntent >= 0 && w.WTempo >= 0
}
