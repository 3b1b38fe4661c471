package upstream

import "sync"

// Pool hands out one Client per upstream URL so keep-alive connections are
// reused across requests. Inserts are idempotent.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	opts    ClientOptions
}

// NewPool builds an empty pool whose clients share opts.
func NewPool(opts ClientOptions) *Pool {
	return &Pool{clients: make(map[string]*Client), opts: opts}
}

// GetClient returns the client for upstreamUrl, creating it on first use.
func (p *Pool) GetClient(upstreamUrl string) *Client {
	p.mu.RLock()
	client := p.clients[upstreamUrl]
	p.mu.RUnlock()
	if client != nil {
		return client
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if client = p.clients[upstreamUrl]; client == nil {
		client = NewClient(p.opts)
		p.clients[upstreamUrl] = client
	}
	return client
}

// Size reports the number of distinct clients.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Clear drops every client; in-flight requests keep their client alive.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = make(map[string]*Client)
}
