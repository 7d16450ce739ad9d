package server

import (
	"context"
	"net"
)

// Listener is a bound transport endpoint.
//
// Accept and Handshake are split so that the admission decision runs between
// them: Accept yields a raw connection, the server asks the handler whether to
// admit the peer, and only then is the (possibly slow) handshake performed.
type Listener[Req, Res any] interface {
	// Accept waits for the next raw connection. After Close it returns an
	// error wrapping net.ErrClosed.
	Accept() (net.Conn, error)

	// Handshake negotiates a multiplexed session over raw.
	Handshake(ctx context.Context, raw net.Conn) (Conn[Req, Res], error)

	// Addr returns the bound address.
	Addr() net.Addr

	// Close stops the listener. Connections already accepted are unaffected.
	Close() error
}

// Conn is one negotiated multiplexed session with a peer.
//
// AcceptStream is only ever called by one goroutine at a time. The other
// methods may be called from any goroutine.
type Conn[Req, Res any] interface {
	// AcceptStream waits for the next stream opened by the peer. It returns
	// io.EOF once the session has ended; any other error is fatal to the
	// connection.
	AcceptStream(ctx context.Context) (Req, Res, error)

	// FinishStream hands a dispatched stream back to the transport once its
	// handler has returned. err is the handler's result, so the transport can
	// surface a failure to that peer. Called exactly once per dispatched
	// stream.
	FinishStream(req Req, res Res, err error)

	// RefuseStream hands back a stream that will not be dispatched. Called
	// exactly once per refused stream.
	RefuseStream(req Req, res Res)

	// GracefulClose tells the peer that no further streams will be admitted
	// on this connection. Streams already open keep running, and
	// AcceptStream returns io.EOF once they have finished. Safe to call any
	// number of times.
	GracefulClose()

	// Close tears down the session immediately.
	Close() error
}
