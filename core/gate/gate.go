package gate

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"dao/core"
)

// Protocol is the serving protocol classified for one connection.
type Protocol int

const (
	// Http1 covers plain TCP, explicit http/1.1 ALPN, and no ALPN at all.
	Http1 Protocol = iota
	// Http2 means ALPN chose h2.
	Http2
	// WebSocket is a post-accept upgrade classification, never an ALPN
	// outcome.
	WebSocket
)

func (p Protocol) String() string {
	switch p {
	case Http2:
		return "h2"
	case WebSocket:
		return "websocket"
	default:
		return "http/1.1"
	}
}

// Connection is one accepted, classified connection.
type Connection struct {
	Conn     net.Conn
	PeerAddr net.Addr
	Protocol Protocol
	Tls      bool
}

// Config for the gate listener.
type Config struct {
	BindAddr string
	Tls      *TlsConfig
	// HandshakeTimeout bounds the TLS handshake; zero means 10s.
	HandshakeTimeout time.Duration
}

// TlsConfig points at the PEM material.
type TlsConfig struct {
	CertPath string
	KeyPath  string
}

// Gate accepts TCP connections, terminates TLS when configured, and
// classifies the serving protocol via ALPN. It does no request work
// itself; every accepted connection is handed to the caller to dispatch.
type Gate struct {
	listener         net.Listener
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
}

// New binds the listener and loads TLS material when configured. ALPN
// preference order is h2 then http/1.1.
func New(cfg Config) (*Gate, error) {
	listener, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, core.WrapErr(core.KindIo, "bind "+cfg.BindAddr, err)
	}
	g := &Gate{listener: listener, handshakeTimeout: cfg.HandshakeTimeout}
	if g.handshakeTimeout <= 0 {
		g.handshakeTimeout = 10 * time.Second
	}
	if cfg.Tls != nil {
		cert, err := tls.LoadX509KeyPair(cfg.Tls.CertPath, cfg.Tls.KeyPath)
		if err != nil {
			_ = listener.Close()
			return nil, core.WrapErr(core.KindTls, "load TLS material", err)
		}
		g.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
		}
	}
	return g, nil
}

// Accept blocks for the next connection and classifies it. TLS handshake
// failures surface as Tls errors and close only that connection; transport
// failures surface as Io errors.
func (g *Gate) Accept(ctx context.Context) (*Connection, error) {
	raw, err := g.listener.Accept()
	if err != nil {
		return nil, core.WrapErr(core.KindIo, "accept", err)
	}
	peer := raw.RemoteAddr()
	if g.tlsConfig == nil {
		return &Connection{Conn: raw, PeerAddr: peer, Protocol: Http1}, nil
	}

	tlsConn := tls.Server(raw, g.tlsConfig)
	hsCtx, cancel := context.WithTimeout(ctx, g.handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, core.WrapErr(core.KindTls, "handshake with "+peer.String(), err)
	}

	protocol := Http1
	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		protocol = Http2
	}
	return &Connection{Conn: tlsConn, PeerAddr: peer, Protocol: protocol, Tls: true}, nil
}

// LocalAddr reports the bound address.
func (g *Gate) LocalAddr() net.Addr { return g.listener.Addr() }

// Close stops accepting; in-flight connections are unaffected.
func (g *Gate) Close() error { return g.listener.Close() }
