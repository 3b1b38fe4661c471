package liminal

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

// ZoneConfig describes one liminal zone: after waiting `At`, the proxy may
// answer with this intermediate response instead of continuing to block.
type ZoneConfig struct {
	At      time.Duration
	Status  int
	Body    string
	Headers map[string]string
}

// LiminalZones holds the ascending zone ladder. While an upstream is still
// working, the deepest zone whose threshold has passed supplies the
// response; the real upstream response wins if it lands first.
type LiminalZones struct {
	zones []ZoneConfig
}

// NewLiminalZones sorts and stores the ladder.
func NewLiminalZones(zones []ZoneConfig) *LiminalZones {
	sorted := append([]ZoneConfig(nil), zones...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &LiminalZones{zones: sorted}
}

// DefaultLiminalZones returns the stock ladder: 202 "processing" at 100ms,
// 206 "partial" at 500ms.
func DefaultLiminalZones() *LiminalZones {
	return NewLiminalZones([]ZoneConfig{
		{
			At:      100 * time.Millisecond,
			Status:  http.StatusAccepted,
			Body:    `{"status":"processing","message":"Request is being processed"}`,
			Headers: map[string]string{"Content-Type": "application/json"},
		},
		{
			At:      500 * time.Millisecond,
			Status:  http.StatusPartialContent,
			Body:    `{"status":"partial","message":"Partial results available"}`,
			Headers: map[string]string{"Content-Type": "application/json"},
		},
	})
}

// Zones exposes the sorted ladder.
func (z *LiminalZones) Zones() []ZoneConfig { return z.zones }

// HasZoneFor reports whether any zone threshold has passed at elapsed.
func (z *LiminalZones) HasZoneFor(elapsed time.Duration) bool {
	return len(z.zones) > 0 && elapsed >= z.zones[0].At
}

// NextThreshold returns the first zone boundary after elapsed, false when
// the ladder is exhausted.
func (z *LiminalZones) NextThreshold(elapsed time.Duration) (time.Duration, bool) {
	for _, zone := range z.zones {
		if zone.At > elapsed {
			return zone.At, true
		}
	}
	return 0, false
}

// ZoneResponse is a rendered intermediate response.
type ZoneResponse struct {
	Status  int
	Body    string
	Headers map[string]string
	At      time.Duration
}

// ResponseFor picks the deepest zone whose threshold elapsed has passed
// and renders it with the liminal marker headers attached.
func (z *LiminalZones) ResponseFor(elapsed time.Duration) (*ZoneResponse, bool) {
	var selected *ZoneConfig
	for i := range z.zones {
		if elapsed >= z.zones[i].At {
			selected = &z.zones[i]
		}
	}
	if selected == nil {
		return nil, false
	}
	headers := make(map[string]string, len(selected.Headers)+2)
	for k, v := range selected.Headers {
		headers[k] = v
	}
	headers["X-DAO-Liminal"] = "true"
	headers["X-DAO-Zone-At"] = fmt.Sprintf("%dms", selected.At.Milliseconds())
	status := selected.Status
	if status < 100 || status > 599 {
		status = http.StatusAccepted
	}
	return &ZoneResponse{Status: status, Body: selected.Body, Headers: headers, At: selected.At}, true
}

// Write renders the zone response onto w.
func (r *ZoneResponse) Write(w http.ResponseWriter) {
	for k, v := range r.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(r.Status)
	_, _ = w.Write([]byte(r.Body))
}
