package h2

import (
	"context"
	"net/http"
)

// HTTPHandler adapts an http.Handler, such as a chi router, into a stream
// handler. The connection state is ignored. The request's context already
// carries the values of the context the server was started with.
func HTTPHandler[S any](h http.Handler) func(ctx context.Context, state S, req *Request, res *Response) error {
	return func(_ context.Context, _ S, req *Request, res *Response) error {
		h.ServeHTTP(res, req.HTTP())
		return nil
	}
}
