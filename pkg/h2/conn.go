package h2

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"muxd/pkg/server"
)

var _ server.Conn[*Request, *Response] = (*Conn)(nil)

type exchange struct {
	req *Request
	res *Response
}

// Conn is one HTTP/2 session. x/net/http2 runs each stream's handler on its own
// goroutine; Conn parks those goroutines on a channel until AcceptStream picks
// them up, and keeps them parked until the stream is finished or refused.
type Conn struct {
	raw net.Conn
	hs  *http.Server
	log *slog.Logger

	streams chan exchange
	done    chan struct{}

	gracefulOnce sync.Once
}

func newConn(ctx context.Context, raw net.Conn, cfg Config) (*Conn, error) {
	c := &Conn{
		raw:     raw,
		log:     cfg.Logger.With("peer", raw.RemoteAddr().String()),
		streams: make(chan exchange),
		done:    make(chan struct{}),
	}

	// Every session gets its own http.Server so that Shutdown on it sends
	// GOAWAY on this session only.
	c.hs = &http.Server{
		IdleTimeout: cfg.IdleTimeout,
		ErrorLog:    slog.NewLogLogger(c.log.Handler(), slog.LevelDebug),
	}
	h2s := &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxReadFrameSize:     cfg.MaxReadFrameSize,
		IdleTimeout:          cfg.IdleTimeout,
	}
	if err := http2.ConfigureServer(c.hs, h2s); err != nil {
		return nil, fmt.Errorf("h2: configure server: %w", err)
	}

	go func() {
		defer close(c.done)
		h2s.ServeConn(raw, &http2.ServeConnOpts{
			Context:    ctx,
			BaseConfig: c.hs,
			Handler:    http.HandlerFunc(c.handle),
		})
	}()
	return c, nil
}

// handle runs on the x/net/http2 stream goroutine.
func (c *Conn) handle(w http.ResponseWriter, r *http.Request) {
	ex := exchange{req: newRequest(r), res: newResponse(w)}
	select {
	case c.streams <- ex:
	case <-c.done:
		return
	case <-r.Context().Done():
		// Reset by the peer before anyone picked it up.
		return
	}
	// The ResponseWriter stays valid only while this function has not
	// returned.
	<-ex.res.finished
}

// AcceptStream returns the next stream opened by the peer, or io.EOF once the
// session has ended.
func (c *Conn) AcceptStream(ctx context.Context) (*Request, *Response, error) {
	select {
	case ex := <-c.streams:
		return ex.req, ex.res, nil
	case <-c.done:
		return nil, nil, io.EOF
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// FinishStream completes a dispatched stream. A handler error turns into a
// 500 if no headers have been sent yet; otherwise the stream is ended as is.
func (c *Conn) FinishStream(req *Request, res *Response, err error) {
	if err != nil && !res.HeadersSent() {
		http.Error(res.w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		res.headersSent = true
	}
	res.finish()
}

// RefuseStream answers a stream that will not be served with 503.
func (c *Conn) RefuseStream(req *Request, res *Response) {
	res.w.Header().Set("Retry-After", "1")
	http.Error(res.w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	res.headersSent = true
	res.finish()
}

// GracefulClose sends GOAWAY. Open streams keep running; the session ends,
// and AcceptStream returns io.EOF, once they are done.
func (c *Conn) GracefulClose() {
	c.gracefulOnce.Do(func() {
		c.log.Debug("sending GOAWAY")
		// Shutdown only triggers the GOAWAY hook registered by
		// ConfigureServer; this server owns no listeners or idle conns.
		if err := c.hs.Shutdown(context.Background()); err != nil {
			c.log.Debug("graceful close", "error", err)
		}
	})
}

// Close tears the session down immediately.
func (c *Conn) Close() error {
	return c.raw.Close()
}
