package sshmux

import (
	"io"
	"sync"
)

// bufferSize matches the SSH channel's maximum packet payload.
const bufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufferSize)
		return &buf
	},
}

func getBuffer() *[]byte { return bufferPool.Get().(*[]byte) }

func putBuffer(buf *[]byte) { bufferPool.Put(buf) }

// copyBuffered copies src to dst through a pooled buffer, which keeps
// allocations flat when many streams copy at once.
func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}
