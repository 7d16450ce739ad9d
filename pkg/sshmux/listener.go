// Package sshmux is the SSH channel transport for the muxd server runtime.
//
// Each accepted TCP connection is one SSH session; each channel the client
// opens with type ChannelType is one stream. The channel's extra data is the
// stream's metadata, the channel's data is the request and response body, and
// the stream ends with an "exit-status" request, like a remote command:
//
//	0  the handler succeeded
//	1  the handler failed
//	2  the stream was refused because the server is shutting down
//
// Password authentication is delegated to an Authenticator such as the muxd
// user store.
package sshmux

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"muxd/pkg/server"
)

// ChannelType is the only channel type served. Other types are rejected with
// ssh.UnknownChannelType.
const ChannelType = "muxd-stream"

// Exit statuses reported at the end of a stream.
const (
	ExitOK      uint32 = 0
	ExitFailed  uint32 = 1
	ExitRefused uint32 = 2
)

// Listener accepts TCP connections and upgrades them to SSH sessions.
type Listener struct {
	ln   net.Listener
	cfg  Config
	conf *ssh.ServerConfig
}

var _ server.Listener[*Request, *Response] = (*Listener)(nil)

// Listen binds addr over TCP and prepares the SSH server configuration. Both
// a bind error and a host key error are fatal.
func Listen(addr string, cfg Config) (*Listener, error) {
	conf, err := cfg.ServerConfig()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, cfg: cfg.withDefaults(), conf: conf}, nil
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener, cfg Config) (*Listener, error) {
	conf, err := cfg.ServerConfig()
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, cfg: cfg.withDefaults(), conf: conf}, nil
}

func (l *Listener) Accept() (net.Conn, error) { return l.ln.Accept() }
func (l *Listener) Addr() net.Addr            { return l.ln.Addr() }
func (l *Listener) Close() error              { return l.ln.Close() }

// Handshake runs the SSH key exchange and authentication on raw.
func (l *Listener) Handshake(ctx context.Context, raw net.Conn) (server.Conn[*Request, *Response], error) {
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("sshmux: set handshake deadline: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(raw, l.conf)
	if err != nil {
		return nil, fmt.Errorf("sshmux: handshake: %w", err)
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, fmt.Errorf("sshmux: clear handshake deadline: %w", err)
	}

	// Global requests (keepalives, port forwarding) are not served.
	go ssh.DiscardRequests(reqs)

	return newConn(sshConn, chans, l.cfg), nil
}
