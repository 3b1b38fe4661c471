package core

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root proxy configuration. Values are immutable after
// validation; hot reload swaps whole Config copies rather than mutating.
type Config struct {
	Server    ServerConfig            `toml:"server" yaml:"server"`
	Telemetry *TelemetryConfig        `toml:"telemetry" yaml:"telemetry"`
	Routes    RoutesConfig            `toml:"routes" yaml:"routes"`
	Policies  map[string]PolicyConfig `toml:"policies" yaml:"policies"`
	Liminal   *LiminalConfig          `toml:"liminal" yaml:"liminal"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Bind    string `toml:"bind" yaml:"bind"`
	TlsCert string `toml:"tls_cert" yaml:"tls_cert"`
	TlsKey  string `toml:"tls_key" yaml:"tls_key"`
	Workers int    `toml:"workers" yaml:"workers"`
}

// TelemetryConfig enables the metrics exporter endpoint.
type TelemetryConfig struct {
	PrometheusBind string `toml:"prometheus_bind" yaml:"prometheus_bind"`
	// Backend selects the metrics provider: "prometheus" (default),
	// "otel" or "noop".
	Backend string `toml:"backend" yaml:"backend"`
}

// RoutesConfig wraps the ordered route rules.
type RoutesConfig struct {
	Rule []RouteRule `toml:"rule" yaml:"rule"`
}

// RouteRule binds a match rule to a policy and a set of upstreams.
type RouteRule struct {
	Name      string           `toml:"name" yaml:"name"`
	Match     MatchRule        `toml:"match" yaml:"match"`
	Policy    string           `toml:"policy" yaml:"policy"`
	Intent    string           `toml:"intent" yaml:"intent"`
	Upstreams []UpstreamConfig `toml:"upstreams" yaml:"upstreams"`
	Filters   *FilterConfig    `toml:"filters" yaml:"filters"`
}

// RequestIntent returns the route's intent tag, if any.
func (r *RouteRule) RequestIntent() (Intent, bool) {
	if r.Intent == "" {
		return "", false
	}
	return Intent(r.Intent), true
}

func (r *RouteRule) validate() error {
	if len(r.Upstreams) == 0 {
		return Errf(KindConfig, "route %q has no upstreams", r.Name)
	}
	return nil
}

// MatchRule matches a request when every supplied predicate holds.
type MatchRule struct {
	Host       string            `toml:"host" yaml:"host"`
	PathPrefix string            `toml:"path_prefix" yaml:"path_prefix"`
	PathExact  string            `toml:"path_exact" yaml:"path_exact"`
	Upgrade    string            `toml:"upgrade" yaml:"upgrade"`
	Headers    map[string]string `toml:"headers" yaml:"headers"`
}

// Matches evaluates the rule against req. Exact path dominates prefix when
// both are set.
func (m *MatchRule) Matches(req *http.Request) bool {
	if m.Host != "" && req.Host != m.Host {
		return false
	}
	path := req.URL.Path
	if m.PathExact != "" {
		if path != m.PathExact {
			return false
		}
	} else if m.PathPrefix != "" && !strings.HasPrefix(path, m.PathPrefix) {
		return false
	}
	if m.Upgrade != "" && req.Header.Get("Upgrade") != m.Upgrade {
		return false
	}
	for key, want := range m.Headers {
		if req.Header.Get(key) != want {
			return false
		}
	}
	return true
}

// UpstreamConfig describes one backend reference on a route.
type UpstreamConfig struct {
	Name   string   `toml:"name" yaml:"name"`
	Url    string   `toml:"url" yaml:"url"`
	Intent []string `toml:"intent" yaml:"intent"`
	Weight uint32   `toml:"weight" yaml:"weight"`
}

// Intents converts the raw tags into Intent values.
func (u *UpstreamConfig) Intents() []Intent {
	if len(u.Intent) == 0 {
		return nil
	}
	out := make([]Intent, 0, len(u.Intent))
	for _, s := range u.Intent {
		out = append(out, Intent(s))
	}
	return out
}

// EffectiveWeight applies the default weight of 1.
func (u *UpstreamConfig) EffectiveWeight() uint32 {
	if u.Weight == 0 {
		return 1
	}
	return u.Weight
}

// FilterConfig configures the per-route filter chain.
type FilterConfig struct {
	RequestHeadersAdd    map[string]string `toml:"request_headers_add" yaml:"request_headers_add"`
	RequestHeadersRemove []string          `toml:"request_headers_remove" yaml:"request_headers_remove"`
	ResponseHeadersAdd   map[string]string `toml:"response_headers_add" yaml:"response_headers_add"`
	RateLimitRps         uint32            `toml:"rate_limit_rps" yaml:"rate_limit_rps"`
}

// PolicyConfig carries the resonant scoring weights for one named policy.
type PolicyConfig struct {
	WLoad   *float64 `toml:"w_load" yaml:"w_load"`
	WIntent *float64 `toml:"w_intent" yaml:"w_intent"`
	WTempo  *float64 `toml:"w_tempo" yaml:"w_tempo"`
}

// Weights resolves the configured values against the defaults (0.6/0.3/0.1).
func (p PolicyConfig) Weights() (wLoad, wIntent, wTempo float64) {
	wLoad, wIntent, wTempo = 0.6, 0.3, 0.1
	if p.WLoad != nil {
		wLoad = *p.WLoad
	}
	if p.WIntent != nil {
		wIntent = *p.WIntent
	}
	if p.WTempo != nil {
		wTempo = *p.WTempo
	}
	return
}

// LiminalConfig is the optional file-level configuration for the liminal
// subsystems. A nil section means defaults: echo, adaptive thresholds,
// presence and temporal resonance on; shadow, quantum and zones off.
type LiminalConfig struct {
	Shadow  *ShadowFileConfig  `toml:"shadow" yaml:"shadow"`
	Quantum *QuantumFileConfig `toml:"quantum" yaml:"quantum"`
	Zones   []ZoneFileConfig   `toml:"zones" yaml:"zones"`
	Echo    *EchoFileConfig    `toml:"echo" yaml:"echo"`
}

// ShadowFileConfig mirrors a share of live traffic to a shadow upstream.
type ShadowFileConfig struct {
	Upstream string  `toml:"upstream" yaml:"upstream"`
	Rate     float64 `toml:"rate" yaml:"rate"`
	// Mode is one of "async", "sync", "compare".
	Mode string `toml:"mode" yaml:"mode"`
}

// QuantumFileConfig enables hedged dispatch.
type QuantumFileConfig struct {
	Factor    int    `toml:"factor" yaml:"factor"`
	TimeoutMs uint64 `toml:"timeout_ms" yaml:"timeout_ms"`
	// Collapse is one of "first_success", "first_any", "fastest_of_n".
	Collapse string `toml:"collapse" yaml:"collapse"`
}

// ZoneFileConfig describes one liminal zone (intermediate response).
type ZoneFileConfig struct {
	AtMs    uint64            `toml:"at_ms" yaml:"at_ms"`
	Status  int               `toml:"status" yaml:"status"`
	Body    string            `toml:"body" yaml:"body"`
	Headers map[string]string `toml:"headers" yaml:"headers"`
}

// EchoFileConfig tunes the echo anomaly analyser.
type EchoFileConfig struct {
	BufferSize       int     `toml:"buffer_size" yaml:"buffer_size"`
	AnomalyThreshold float64 `toml:"anomaly_threshold" yaml:"anomaly_threshold"`
}

// LoadConfig reads and parses a configuration file. TOML is the primary
// format; .yaml/.yml files parse as YAML with the same schema.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapErr(KindIo, "read config file", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, WrapErr(KindConfig, "parse config", err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, WrapErr(KindConfig, "parse config", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Workers <= 0 {
		c.Server.Workers = runtime.NumCPU()
	}
}

// Validate checks the whole configuration. A Config that fails validation
// must never be published.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return Errf(KindConfig, "server.bind is empty")
	}
	if len(c.Routes.Rule) == 0 {
		return Errf(KindConfig, "no routes defined")
	}
	for i := range c.Routes.Rule {
		if err := c.Routes.Rule[i].validate(); err != nil {
			return err
		}
	}
	for name, pol := range c.Policies {
		wl, wi, wt := pol.Weights()
		if wl < 0 || wi < 0 || wt < 0 {
			return Errf(KindConfig, "policy %q has negative weight", name)
		}
	}
	return nil
}

// Clone returns a deep copy, so published snapshots cannot alias maps or
// slices held by callers.
func (c *Config) Clone() *Config {
	out := *c
	if c.Telemetry != nil {
		t := *c.Telemetry
		out.Telemetry = &t
	}
	out.Routes.Rule = make([]RouteRule, len(c.Routes.Rule))
	for i, r := range c.Routes.Rule {
		rc := r
		rc.Match.Headers = cloneStringMap(r.Match.Headers)
		rc.Upstreams = make([]UpstreamConfig, len(r.Upstreams))
		for j, u := range r.Upstreams {
			uc := u
			uc.Intent = append([]string(nil), u.Intent...)
			rc.Upstreams[j] = uc
		}
		if r.Filters != nil {
			f := *r.Filters
			f.RequestHeadersAdd = cloneStringMap(r.Filters.RequestHeadersAdd)
			f.RequestHeadersRemove = append([]string(nil), r.Filters.RequestHeadersRemove...)
			f.ResponseHeadersAdd = cloneStringMap(r.Filters.ResponseHeadersAdd)
			rc.Filters = &f
		}
		out.Routes.Rule[i] = rc
	}
	if c.Policies != nil {
		out.Policies = make(map[string]PolicyConfig, len(c.Policies))
		for k, v := range c.Policies {
			out.Policies[k] = v
		}
	}
	if c.Liminal != nil {
		l := *c.Liminal
		if c.Liminal.Shadow != nil {
			s := *c.Liminal.Shadow
			l.Shadow = &s
		}
		if c.Liminal.Quantum != nil {
			q := *c.Liminal.Quantum
			l.Quantum = &q
		}
		if c.Liminal.Echo != nil {
			e := *c.Liminal.Echo
			l.Echo = &e
		}
		l.Zones = make([]ZoneFileConfig, len(c.Liminal.Zones))
		for i, z := range c.Liminal.Zones {
			zc := z
			zc.Headers = cloneStringMap(z.Headers)
			l.Zones[i] = zc
		}
		out.Liminal = &l
	}
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
