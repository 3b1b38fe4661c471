package server

import (
	"net"
	"sync"
)

// oneConnListener feeds a single pre-accepted connection into
// http.Server.Serve. The second Accept blocks until the connection closes,
// then reports the listener as closed so Serve returns.
type oneConnListener struct {
	conn net.Conn
	addr net.Addr

	mu     sync.Mutex
	served bool
	done   chan struct{}
	once   sync.Once
}

func newOneConnListener(conn net.Conn) *oneConnListener {
	return &oneConnListener{conn: conn, addr: conn.LocalAddr(), done: make(chan struct{})}
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.served {
		l.served = true
		l.mu.Unlock()
		return &signalClosedConn{Conn: l.conn, listener: l}, nil
	}
	l.mu.Unlock()
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneConnListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *oneConnListener) Addr() net.Addr { return l.addr }

// signalClosedConn unblocks the listener when the connection closes.
type signalClosedConn struct {
	net.Conn
	listener *oneConnListener
}

func (c *signalClosedConn) Close() error {
	err := c.Conn.Close()
	c.listener.once.Do(func() { close(c.listener.done) })
	return err
}
