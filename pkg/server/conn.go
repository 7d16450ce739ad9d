package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/sourcegraph/conc/panics"

	"muxd/pkg/shutdown"
)

// serveConn performs the handshake on raw and then runs the stream loop until
// the session ends. tok is this connection's clone; it is released last.
func (s *Server[S, Req, Res]) serveConn(ctx context.Context, raw net.Conn, state S, tok *shutdown.Token) {
	defer tok.Release()

	log := s.log.With("peer", raw.RemoteAddr().String())

	conn, err := s.ln.Handshake(ctx, raw)
	if err != nil {
		log.Warn("handshake failed", "error", err)
		raw.Close()
		s.closeConn(ctx, log, state)
		return
	}
	log.Debug("connection established")

	defer conn.Close()
	defer s.closeConn(ctx, log, state)

	// Idle connections would otherwise never notice the shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-tok.Signaled():
			conn.GracefulClose()
		case <-done:
		}
	}()

	for {
		req, res, err := conn.AcceptStream(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("stream accept failed", "error", err)
			}
			return
		}
		if tok.Requested() {
			conn.GracefulClose()
			conn.RefuseStream(req, res)
			log.Debug("stream refused during shutdown")
			continue
		}
		go s.serveStream(ctx, log, conn, cloneState(state), req, res, tok.Clone())
	}
}

func (s *Server[S, Req, Res]) closeConn(ctx context.Context, log *slog.Logger, state S) {
	if r := panics.Try(func() { s.handler.Close(ctx, state) }); r != nil {
		log.Error("close callback panicked", "error", r.AsError())
	}
	log.Debug("connection closed", "outstanding", s.tok.Outstanding())
}
