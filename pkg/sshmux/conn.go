package sshmux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/crypto/ssh"

	"muxd/pkg/server"
)

// Conn is one SSH session.
type Conn struct {
	sc    *ssh.ServerConn
	chans <-chan ssh.NewChannel
	log   *slog.Logger

	mu      sync.Mutex
	active  int
	closing bool
}

var _ server.Conn[*Request, *Response] = (*Conn)(nil)

func newConn(sc *ssh.ServerConn, chans <-chan ssh.NewChannel, cfg Config) *Conn {
	return &Conn{
		sc:    sc,
		chans: chans,
		log:   cfg.Logger.With("peer", sc.RemoteAddr().String(), "user", sc.User()),
	}
}

// User returns the authenticated user name, or the name the client offered
// when authentication is disabled.
func (c *Conn) User() string {
	if c.sc.Permissions != nil {
		if u, ok := c.sc.Permissions.Extensions[userExtension]; ok {
			return u
		}
	}
	return c.sc.User()
}

// AcceptStream accepts the next ChannelType channel. Channels of other types
// are rejected, and so are new channels after GracefulClose. It returns io.EOF
// once the session is closed.
func (c *Conn) AcceptStream(ctx context.Context) (*Request, *Response, error) {
	for {
		var nc ssh.NewChannel
		select {
		case ch, ok := <-c.chans:
			if !ok {
				return nil, nil, io.EOF
			}
			nc = ch
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		if nc.ChannelType() != ChannelType {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			nc.Reject(ssh.ResourceShortage, "server shutting down")
			continue
		}
		c.active++
		c.mu.Unlock()

		ch, reqs, err := nc.Accept()
		if err != nil {
			c.log.Warn("channel accept failed", "error", err)
			c.streamDone()
			continue
		}
		go ssh.DiscardRequests(reqs)

		st := &stream{ch: ch, meta: nc.ExtraData(), user: c.User()}
		return &Request{st: st}, &Response{st: st}, nil
	}
}

// FinishStream ends a dispatched stream with ExitOK, or with ExitFailed and
// the error on stderr when the handler failed. A panic is reported as
// "internal error" so its stack stays in the server log. A handler that
// already called End keeps the status it chose.
func (c *Conn) FinishStream(req *Request, res *Response, err error) {
	defer c.streamDone()
	if err != nil && !res.Ended() {
		io.WriteString(res.Stderr(), stderrMessage(err)+"\n")
		res.End(ExitFailed)
	} else {
		res.End(ExitOK)
	}
	res.st.ch.Close()
	res.st.release()
}

func stderrMessage(err error) string {
	var rec *panics.ErrRecovered
	if errors.As(err, &rec) {
		return "internal error"
	}
	return err.Error()
}

// RefuseStream ends a stream that will not be served with ExitRefused.
func (c *Conn) RefuseStream(req *Request, res *Response) {
	defer c.streamDone()
	io.WriteString(res.Stderr(), "server shutting down\n")
	res.End(ExitRefused)
	res.st.ch.Close()
	res.st.release()
}

// GracefulClose rejects further channels and closes the session as soon as
// the open ones have finished.
func (c *Conn) GracefulClose() {
	c.mu.Lock()
	c.closing = true
	idle := c.active == 0
	c.mu.Unlock()
	if idle {
		c.sc.Close()
	}
}

// Close tears the session down immediately.
func (c *Conn) Close() error {
	return c.sc.Close()
}

func (c *Conn) streamDone() {
	c.mu.Lock()
	c.active--
	idle := c.closing && c.active == 0
	c.mu.Unlock()
	if idle {
		c.sc.Close()
	}
}
