package sshmux

import (
	"errors"
	"io"
	"net/http"

	"golang.org/x/crypto/ssh"
)

// ErrStreamEnded is returned by writes after Response.End.
var ErrStreamEnded = errors.New("sshmux: stream ended")

type stream struct {
	ch   ssh.Channel
	meta []byte
	user string

	eof   bool
	buf   *[]byte
	ended bool
}

func (st *stream) release() {
	if st.buf != nil {
		putBuffer(st.buf)
		st.buf = nil
	}
}

// Request is the receiving half of one channel.
type Request struct {
	st *stream
}

// User returns the name the session authenticated as.
func (r *Request) User() string { return r.st.user }

// Meta returns the extra data the client sent when opening the channel.
func (r *Request) Meta() []byte { return r.st.meta }

// ReadChunk returns the next chunk of channel data, or io.EOF once the client
// has closed its write side. The slice is only valid until the next call.
func (r *Request) ReadChunk() ([]byte, error) {
	st := r.st
	if st.eof {
		st.release()
		return nil, io.EOF
	}
	if st.buf == nil {
		st.buf = getBuffer()
	}
	for {
		n, err := st.ch.Read(*st.buf)
		if err == io.EOF {
			st.eof = true
			if n > 0 {
				return (*st.buf)[:n], nil
			}
			st.release()
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return (*st.buf)[:n], nil
		}
	}
}

// Read implements io.Reader over the channel data.
func (r *Request) Read(p []byte) (int, error) {
	if r.st.eof {
		return 0, io.EOF
	}
	n, err := r.st.ch.Read(p)
	if err == io.EOF {
		r.st.eof = true
	}
	return n, err
}

// Trailers is always empty: SSH channels carry no trailing metadata. Like the
// HTTP/2 transport it is only available once Read or ReadChunk returned
// io.EOF.
func (r *Request) Trailers() (http.Header, error) {
	if !r.st.eof {
		return nil, errors.New("sshmux: trailers unavailable before end of data")
	}
	return http.Header{}, nil
}

// Response is the sending half of one channel.
type Response struct {
	st *stream
}

// Write sends p as channel data.
func (r *Response) Write(p []byte) (int, error) {
	if r.st.ended {
		return 0, ErrStreamEnded
	}
	return r.st.ch.Write(p)
}

// ReadFrom copies src to the channel through a pooled buffer.
func (r *Response) ReadFrom(src io.Reader) (int64, error) {
	if r.st.ended {
		return 0, ErrStreamEnded
	}
	return copyBuffered(r.st.ch, src)
}

// Stderr returns the channel's extended data stream.
func (r *Response) Stderr() io.Writer { return r.st.ch.Stderr() }

// Ended reports whether End has been called.
func (r *Response) Ended() bool { return r.st.ended }

// End reports status to the client and closes the write side of the channel.
// Calls after the first are no-ops.
func (r *Response) End(status uint32) error {
	if r.st.ended {
		return nil
	}
	r.st.ended = true
	payload := ssh.Marshal(struct{ Status uint32 }{status})
	if _, err := r.st.ch.SendRequest("exit-status", false, payload); err != nil {
		return err
	}
	return r.st.ch.CloseWrite()
}
