package server

import (
	"context"
	"log/slog"

	"muxd/internal/panics"
	"muxd/pkg/shutdown"
)

// serveStream runs the handler for one stream. Whatever the handler does, the
// stream is handed back to the transport and tok is released exactly once.
func (s *Server[S, Req, Res]) serveStream(ctx context.Context, log *slog.Logger, conn Conn[Req, Res], state S, req Req, res Res, tok *shutdown.Token) {
	defer tok.Release()

	err := panics.TryErr(func() error {
		return s.handler.Stream(ctx, state, req, res)
	})
	if err != nil {
		log.Error("stream handler failed", "error", err)
	}
	conn.FinishStream(req, res, err)
}
