package server

import (
	"context"
	"net"
)

type admissionKind uint8

const (
	admitAccept admissionKind = iota
	admitReject
	admitStop
)

func (k admissionKind) String() string {
	switch k {
	case admitAccept:
		return "accept"
	case admitReject:
		return "reject"
	case admitStop:
		return "stop_listening"
	default:
		return "unknown"
	}
}

// Admission is the outcome of Handler.Admit for one incoming connection.
type Admission[S any] struct {
	kind  admissionKind
	state S
}

// Accept admits the connection with the given connection-scoped state.
func Accept[S any](state S) Admission[S] {
	return Admission[S]{kind: admitAccept, state: state}
}

// Reject discards the connection; the server keeps listening.
func Reject[S any]() Admission[S] {
	return Admission[S]{kind: admitReject}
}

// StopListening discards the connection and stops the accept loop.
// Connections already admitted keep running.
func StopListening[S any]() Admission[S] {
	return Admission[S]{kind: admitStop}
}

// Accepted reports whether the admission admits the connection.
func (a Admission[S]) Accepted() bool { return a.kind == admitAccept }

// State returns the connection state carried by an Accept admission.
func (a Admission[S]) State() S { return a.state }

func (a Admission[S]) String() string { return a.kind.String() }

// Handler is the caller-supplied behaviour of a server.
//
// S is the connection-scoped state returned by Admit. Every stream on that
// connection receives its own copy of it; if S has a method Clone() S, the
// copy is made with it.
type Handler[S, Req, Res any] interface {
	// Admit decides what to do with a new connection from peer. It runs on the
	// accept loop, so a slow Admit delays accepting the next connection.
	Admit(ctx context.Context, peer net.Addr) Admission[S]

	// Stream serves one request/response exchange. A returned error is logged
	// and reported to that stream's peer only.
	Stream(ctx context.Context, state S, req Req, res Res) error

	// Close is called exactly once for every connection Admit accepted:
	// after the session has ended, or right away when its handshake failed.
	Close(ctx context.Context, state S)
}

// HandlerFuncs adapts plain functions to Handler. A nil AdmitFunc accepts
// every connection with the zero state; a nil CloseFunc does nothing.
type HandlerFuncs[S, Req, Res any] struct {
	AdmitFunc  func(ctx context.Context, peer net.Addr) Admission[S]
	StreamFunc func(ctx context.Context, state S, req Req, res Res) error
	CloseFunc  func(ctx context.Context, state S)
}

func (h HandlerFuncs[S, Req, Res]) Admit(ctx context.Context, peer net.Addr) Admission[S] {
	if h.AdmitFunc == nil {
		var zero S
		return Accept(zero)
	}
	return h.AdmitFunc(ctx, peer)
}

func (h HandlerFuncs[S, Req, Res]) Stream(ctx context.Context, state S, req Req, res Res) error {
	return h.StreamFunc(ctx, state, req, res)
}

func (h HandlerFuncs[S, Req, Res]) Close(ctx context.Context, state S) {
	if h.CloseFunc != nil {
		h.CloseFunc(ctx, state)
	}
}

// cloner is implemented by connection states that need a deep copy per stream.
type cloner[S any] interface {
	Clone() S
}

func cloneState[S any](state S) S {
	if c, ok := any(state).(cloner[S]); ok {
		return c.Clone()
	}
	return state
}
