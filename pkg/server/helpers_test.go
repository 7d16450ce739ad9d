package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStream struct {
	id       int
	finished chan error
	refused  chan struct{}
}

func newFakeStream(id int) *fakeStream {
	return &fakeStream{id: id, finished: make(chan error, 1), refused: make(chan struct{})}
}

func (st *fakeStream) waitFinished(t *testing.T) error {
	t.Helper()
	select {
	case err := <-st.finished:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("stream %d was never finished", st.id)
		return nil
	}
}

type fakeConn struct {
	streams chan *fakeStream

	// eofOnGraceful makes AcceptStream report end-of-connection as soon as
	// GracefulClose has been called.
	eofOnGraceful bool
	handshakeErr  error

	graceful      chan struct{}
	gracefulOnce  sync.Once
	gracefulCalls atomic.Int32
	closed        atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		streams:  make(chan *fakeStream, 16),
		graceful: make(chan struct{}),
	}
}

func (c *fakeConn) AcceptStream(ctx context.Context) (*fakeStream, *fakeStream, error) {
	var graceful <-chan struct{}
	if c.eofOnGraceful {
		graceful = c.graceful
	}
	select {
	case st, ok := <-c.streams:
		if !ok {
			return nil, nil, io.EOF
		}
		return st, st, nil
	case <-graceful:
		return nil, nil, io.EOF
	}
}

func (c *fakeConn) FinishStream(req, _ *fakeStream, err error) { req.finished <- err }

func (c *fakeConn) RefuseStream(req, _ *fakeStream) { close(req.refused) }

func (c *fakeConn) GracefulClose() {
	c.gracefulCalls.Add(1)
	c.gracefulOnce.Do(func() { close(c.graceful) })
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

type fakeListener struct {
	accepts   chan acceptResult
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	conns      map[net.Conn]*fakeConn
	handshakes atomic.Int32
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		accepts: make(chan acceptResult, 16),
		closed:  make(chan struct{}),
		conns:   make(map[net.Conn]*fakeConn),
	}
}

// dial queues a new raw connection and returns the session the handshake
// will produce for it.
func (l *fakeListener) dial(fc *fakeConn) net.Conn {
	srv, cli := net.Pipe()
	l.mu.Lock()
	l.conns[srv] = fc
	l.mu.Unlock()
	l.accepts <- acceptResult{conn: srv}
	return cli
}

func (l *fakeListener) fail(err error) { l.accepts <- acceptResult{err: err} }

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case r := <-l.accepts:
		return r.conn, r.err
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Handshake(_ context.Context, raw net.Conn) (Conn[*fakeStream, *fakeStream], error) {
	l.mu.Lock()
	fc := l.conns[raw]
	l.mu.Unlock()
	if fc.handshakeErr != nil {
		return nil, fc.handshakeErr
	}
	l.handshakes.Add(1)
	return fc, nil
}

func (l *fakeListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000} }

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHandler = HandlerFuncs[string, *fakeStream, *fakeStream]

func newTestServer(ln *fakeListener, h fakeHandler) *Server[string, *fakeStream, *fakeStream] {
	return New[string, *fakeStream, *fakeStream](ln, h, WithLogger(discardLogger()))
}

func recvErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("server did not return")
		return nil
	}
}
