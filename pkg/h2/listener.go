// Package h2 is the HTTP/2 transport for the muxd server runtime.
//
// Each accepted TCP connection is one multiplexed session served by
// golang.org/x/net/http2; each HTTP/2 stream is handed to the runtime as a
// (*Request, *Response) pair. With a TLS config the listener negotiates "h2"
// over ALPN; without one it speaks cleartext HTTP/2 with prior knowledge
// (h2c), which is what most load balancers use towards backends.
//
// Example:
//
//	ln, err := h2.Listen(":8443", h2.Config{TLSConfig: tlsConf})
//	if err != nil { ... }
//	srv := server.New[struct{}, *h2.Request, *h2.Response](ln, handler)
//	err = srv.Serve(ctx)
package h2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/http2"

	"muxd/pkg/server"
)

// ErrProtocolNotNegotiated is returned by Handshake when a TLS client did not
// select "h2" over ALPN.
var ErrProtocolNotNegotiated = errors.New("h2: protocol not negotiated")

// DefaultHandshakeTimeout bounds the TLS handshake of one connection.
const DefaultHandshakeTimeout = 10 * time.Second

// Config holds the transport settings of a Listener.
type Config struct {
	// TLSConfig enables TLS. It must allow "h2" in NextProtos; LoadTLSConfig
	// builds a suitable one. Nil means cleartext HTTP/2 with prior knowledge.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds the TLS handshake. Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// MaxConcurrentStreams is advertised to the peer. Zero lets x/net/http2
	// pick its default.
	MaxConcurrentStreams uint32

	// IdleTimeout closes connections without open streams after this long.
	// Zero means no idle timeout.
	IdleTimeout time.Duration

	// MaxReadFrameSize is the largest frame the server is willing to read.
	MaxReadFrameSize uint32

	// Logger receives protocol-level errors from x/net/http2 at debug level.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "h2")
	return c
}

// Listener accepts TCP connections and upgrades them to HTTP/2 sessions.
type Listener struct {
	ln  net.Listener
	cfg Config
}

var _ server.Listener[*Request, *Response] = (*Listener)(nil)

// Listen binds addr over TCP. A bind error is the only fatal transport error.
func Listen(addr string, cfg Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return NewListener(ln, cfg), nil
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener, cfg Config) *Listener {
	return &Listener{ln: ln, cfg: cfg.withDefaults()}
}

// Accept returns the next raw TCP connection.
func (l *Listener) Accept() (net.Conn, error) { return l.ln.Accept() }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting. Established sessions are not affected.
func (l *Listener) Close() error { return l.ln.Close() }

// TLS reports whether the listener negotiates TLS.
func (l *Listener) TLS() bool { return l.cfg.TLSConfig != nil }

// Handshake performs the TLS handshake, if configured, and starts serving the
// HTTP/2 session on raw.
func (l *Listener) Handshake(ctx context.Context, raw net.Conn) (server.Conn[*Request, *Response], error) {
	if l.cfg.TLSConfig != nil {
		tc := tls.Server(raw, l.cfg.TLSConfig)
		hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
		defer cancel()
		if err := tc.HandshakeContext(hctx); err != nil {
			return nil, fmt.Errorf("h2: tls handshake: %w", err)
		}
		if proto := tc.ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
			return nil, fmt.Errorf("%w: got %q", ErrProtocolNotNegotiated, proto)
		}
		raw = tc
	}
	c, err := newConn(ctx, raw, l.cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}
