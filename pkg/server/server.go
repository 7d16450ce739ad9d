// Package server implements the transport-independent serving runtime: the
// accept loop, the per-connection stream loop and the per-stream handler task,
// all coordinated through one shutdown.Token.
//
// A Server is generic over the connection state S and the transport's request
// and response types. Transports (see pkg/h2 and pkg/sshmux) implement
// Listener and Conn; callers implement Handler.
//
// Lifecycle:
//
//	srv := server.New(ln, handler)
//	errc, drained := srv.ServeWithGracefulShutdown(ctx)
//	// ... on SIGTERM:
//	srv.Token().Signal()
//	<-errc           // listener stopped
//	drained.Wait(ctx) // every admitted stream has finished
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"muxd/pkg/shutdown"
)

var (
	// ErrListenerClosed is returned by Serve when the listener was closed by
	// someone other than the server itself.
	ErrListenerClosed = errors.New("server: listener closed")

	// ErrAlreadyServing is returned when Serve is called on a server whose
	// accept loop has already been started.
	ErrAlreadyServing = errors.New("server: already serving")
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Option configures a Server.
type Option func(*options)

type options struct {
	logger *slog.Logger
	token  *shutdown.Token
}

// WithLogger sets the logger used by the server. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithToken makes the server share an existing shutdown token, so several
// servers can be drained together. Defaults to a fresh shutdown.New().
func WithToken(tok *shutdown.Token) Option {
	return func(o *options) { o.token = tok }
}

// Server serves streams from one Listener with one Handler.
type Server[S, Req, Res any] struct {
	ln      Listener[Req, Res]
	handler Handler[S, Req, Res]
	tok     *shutdown.Token
	log     *slog.Logger

	serving atomic.Bool
}

// New returns a server for ln and h. The listener is owned by the server from
// now on: it is closed when the accept loop ends.
func New[S, Req, Res any](ln Listener[Req, Res], h Handler[S, Req, Res], opts ...Option) *Server[S, Req, Res] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.token == nil {
		o.token = shutdown.New()
	}
	return &Server[S, Req, Res]{
		ln:      ln,
		handler: h,
		tok:     o.token,
		log:     o.logger.With("component", "server", "addr", ln.Addr().String()),
	}
}

// Token returns the server's shutdown token. Call Signal on it to begin a
// graceful shutdown.
func (s *Server[S, Req, Res]) Token() *shutdown.Token { return s.tok }

// Addr returns the listener's bound address.
func (s *Server[S, Req, Res]) Addr() net.Addr { return s.ln.Addr() }

// Serve runs the accept loop until the handler answers StopListening, ctx is
// done, or the listener is closed from outside.
//
// Signalling the token does not stop Serve: connections keep being admitted,
// but no new stream is dispatched on any of them. Use
// ServeWithGracefulShutdown to also stop admitting connections.
//
// Serve holds no clone of the token, so a DrainSignal may resolve while it is
// still running. Such a resolved signal does not account for connections
// Serve admits afterwards; check Token().Outstanding() to see them.
//
// Returns:
//   - nil: the handler answered StopListening.
//   - ctx.Err(): the context was cancelled.
//   - ErrListenerClosed: the listener was closed from outside.
func (s *Server[S, Req, Res]) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	return s.acceptLoop(ctx, false)
}

// ServeWithGracefulShutdown starts the accept loop in the background and
// returns immediately.
//
// The returned channel yields the accept loop's result once the listener has
// stopped: nil after StopListening or after the token was signalled. The
// returned DrainSignal resolves once the token has been signalled and every
// connection and stream admitted by this server (and by any other server
// sharing the token) has finished.
func (s *Server[S, Req, Res]) ServeWithGracefulShutdown(ctx context.Context) (<-chan error, *shutdown.DrainSignal) {
	errc := make(chan error, 1)
	drained := s.tok.DrainSignal()
	if !s.serving.CompareAndSwap(false, true) {
		errc <- ErrAlreadyServing
		return errc, drained
	}

	// The loop holds a clone for as long as it can still admit a connection,
	// so drain cannot resolve underneath a connection being admitted.
	loop := s.tok.Clone()
	go func() {
		defer loop.Release()
		errc <- s.acceptLoop(ctx, true)
	}()
	return errc, drained
}

// Shutdown signals the token and waits until every admitted connection and
// stream has finished, or ctx is done. Giving up on the wait does not cancel
// any work; a later Shutdown call can wait again.
func (s *Server[S, Req, Res]) Shutdown(ctx context.Context) error {
	s.tok.Signal()
	drained, err := s.tok.WaitDrained()
	if err != nil {
		return err
	}
	return drained.Wait(ctx)
}

func (s *Server[S, Req, Res]) acceptLoop(ctx context.Context, graceful bool) error {
	defer s.ln.Close()

	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	if graceful {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-s.tok.Signaled():
				s.ln.Close()
			case <-done:
			}
		}()
	}

	// Handlers see the caller's values but never its cancellation.
	hctx := context.WithoutCancel(ctx)

	s.log.Info("accepting connections", "graceful", graceful)
	var delay time.Duration
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				switch {
				case ctx.Err() != nil:
					s.log.Info("accept loop cancelled")
					return ctx.Err()
				case graceful && s.tok.Requested():
					s.log.Info("accept loop stopped by shutdown")
					return nil
				default:
					return ErrListenerClosed
				}
			}
			delay = nextAcceptDelay(delay)
			s.log.Warn("accept failed", "error", err, "retry_in", delay)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			continue
		}
		delay = 0

		if graceful && s.tok.Requested() {
			raw.Close()
			s.log.Info("accept loop stopped by shutdown")
			return nil
		}

		peer := raw.RemoteAddr()
		adm := s.admit(hctx, peer)
		switch adm.kind {
		case admitReject:
			s.log.Debug("connection rejected", "peer", peer.String())
			raw.Close()
			continue
		case admitStop:
			s.log.Info("accept loop stopped by handler", "peer", peer.String())
			raw.Close()
			return nil
		}

		go s.serveConn(hctx, raw, adm.state, s.tok.Clone())
	}
}

// admit runs the admission callback. A panic counts as Reject.
func (s *Server[S, Req, Res]) admit(ctx context.Context, peer net.Addr) (adm Admission[S]) {
	if r := panics.Try(func() { adm = s.handler.Admit(ctx, peer) }); r != nil {
		s.log.Error("admission panicked", "peer", peer.String(), "error", r.AsError())
		return Reject[S]()
	}
	return adm
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	d *= 2
	if d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}
