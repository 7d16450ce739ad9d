package h2

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
)

// ErrTrailersUnavailable is returned by Request.Trailers before the body has
// been read to the end.
var ErrTrailersUnavailable = errors.New("h2: trailers unavailable before end of body")

// chunkSize is the largest chunk returned by ReadChunk.
const chunkSize = 16 * 1024

// Request is the receiving half of one HTTP/2 stream.
type Request struct {
	r   *http.Request
	buf []byte
	eof bool
}

func newRequest(r *http.Request) *Request {
	return &Request{r: r}
}

// HTTP returns the underlying request, for use with net/http handlers.
func (r *Request) HTTP() *http.Request { return r.r }

// Context is cancelled when the peer resets the stream or the session ends.
func (r *Request) Context() context.Context { return r.r.Context() }

func (r *Request) Method() string      { return r.r.Method }
func (r *Request) URL() *url.URL       { return r.r.URL }
func (r *Request) Header() http.Header { return r.r.Header }

// ReadChunk returns the next chunk of the request body as it arrives. It
// returns io.EOF at the end of the body. The returned slice is only valid
// until the next call.
func (r *Request) ReadChunk() ([]byte, error) {
	if r.eof {
		return nil, io.EOF
	}
	if r.buf == nil {
		r.buf = make([]byte, chunkSize)
	}
	for {
		n, err := r.r.Body.Read(r.buf)
		if err == io.EOF {
			r.eof = true
			if n > 0 {
				return r.buf[:n], nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return r.buf[:n], nil
		}
	}
}

// Read implements io.Reader over the request body.
func (r *Request) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	n, err := r.r.Body.Read(p)
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

// Trailers returns the trailers sent after the body. They are only known once
// the body has been read to io.EOF.
func (r *Request) Trailers() (http.Header, error) {
	if !r.eof {
		return nil, ErrTrailersUnavailable
	}
	return r.r.Trailer, nil
}
