package upstream

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dao/core"
)

// hop-by-hop headers per RFC 9110; never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
}

// RemoveHopByHopHeaders strips the static hop-by-hop set plus any field the
// Connection header names.
func RemoveHopByHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, token := range strings.Split(name, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Client proxies requests to a single upstream over keep-alive
// connections. One Client is shared by every request to that upstream.
type Client struct {
	httpClient *http.Client
}

// ClientOptions tune the outbound transport.
type ClientOptions struct {
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

func (o *ClientOptions) normalize() {
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 32
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = 90 * time.Second
	}
}

// NewClient builds an upstream client with its own pooled transport.
func NewClient(opts ClientOptions) *Client {
	opts.normalize()
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxIdleConns,
		MaxIdleConnsPerHost: opts.MaxIdleConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
	}
	if opts.ConnectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext
	}
	return &Client{httpClient: &http.Client{
		Transport: transport,
		Timeout:   opts.RequestTimeout,
		// The proxy forwards redirects to the caller untouched.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// ProxyRequest rewrites req against upstreamUrl, strips hop-by-hop headers
// and dispatches it. The caller owns the response body.
func (c *Client) ProxyRequest(upstreamUrl string, req *http.Request) (*http.Response, time.Duration, error) {
	start := time.Now()

	target, err := url.Parse(upstreamUrl)
	if err != nil {
		return nil, 0, core.WrapErr(core.KindUpstream, "invalid upstream URL", err)
	}
	if target.Host == "" {
		return nil, 0, core.Errf(core.KindUpstream, "no authority in upstream URL %q", upstreamUrl)
	}
	scheme := target.Scheme
	if scheme == "" {
		scheme = "http"
	}

	out := req.Clone(req.Context())
	out.RequestURI = ""
	out.URL.Scheme = scheme
	out.URL.Host = target.Host
	out.Host = target.Host
	RemoveHopByHopHeaders(out.Header)

	resp, err := c.httpClient.Do(out)
	if err != nil {
		return nil, 0, core.WrapErr(core.KindUpstream, "request failed", err)
	}
	return resp, time.Since(start), nil
}
