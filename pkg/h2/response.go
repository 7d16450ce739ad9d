package h2

import (
	"errors"
	"net/http"
	"sync"
)

// ErrStreamEnded is returned by writes after Response.End.
var ErrStreamEnded = errors.New("h2: stream ended")

// Response is the sending half of one HTTP/2 stream. It implements
// http.ResponseWriter and http.Flusher, so net/http handlers can write to it
// directly.
//
// A Response is used by one goroutine: the stream's handler.
type Response struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	status int

	headersSent bool
	ended       bool

	finished   chan struct{}
	finishOnce sync.Once
}

var (
	_ http.ResponseWriter = (*Response)(nil)
	_ http.Flusher        = (*Response)(nil)
)

func newResponse(w http.ResponseWriter) *Response {
	return &Response{
		w:        w,
		rc:       http.NewResponseController(w),
		status:   http.StatusOK,
		finished: make(chan struct{}),
	}
}

// Header returns the header map sent by SendHeaders. Keys prefixed with
// http.TrailerPrefix, or set with SetTrailer, are sent as trailers.
func (r *Response) Header() http.Header { return r.w.Header() }

// SetStatus sets the status code sent with the headers. It has no effect once
// headers have been sent.
func (r *Response) SetStatus(code int) {
	if !r.headersSent {
		r.status = code
	}
}

// Status returns the status code that was or will be sent.
func (r *Response) Status() int { return r.status }

// HeadersSent reports whether the response headers have been written.
func (r *Response) HeadersSent() bool { return r.headersSent }

// SetTrailer sets a trailer sent after the body.
func (r *Response) SetTrailer(key, value string) {
	r.w.Header().Set(http.TrailerPrefix+key, value)
}

// WriteHeader sends the headers with code.
func (r *Response) WriteHeader(code int) {
	if r.headersSent {
		return
	}
	r.status = code
	r.headersSent = true
	r.w.WriteHeader(code)
}

// SendHeaders sends the headers now, without any body.
func (r *Response) SendHeaders() error {
	if r.ended {
		return ErrStreamEnded
	}
	r.WriteHeader(r.status)
	return r.rc.Flush()
}

// Write sends p as body data, sending the headers first if needed.
func (r *Response) Write(p []byte) (int, error) {
	if r.ended {
		return 0, ErrStreamEnded
	}
	if !r.headersSent {
		r.WriteHeader(r.status)
	}
	return r.w.Write(p)
}

// Flush sends buffered data to the peer.
func (r *Response) Flush() {
	_ = r.rc.Flush()
}

// End flushes whatever has been written and forbids further writes. The
// stream itself is closed, with trailers, once the handler returns.
func (r *Response) End() error {
	if r.ended {
		return nil
	}
	if !r.headersSent {
		r.WriteHeader(r.status)
	}
	r.ended = true
	return r.rc.Flush()
}

// Ended reports whether End has been called.
func (r *Response) Ended() bool { return r.ended }

func (r *Response) finish() {
	r.finishOnce.Do(func() { close(r.finished) })
}
