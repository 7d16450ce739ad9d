package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"muxd/pkg/h2"
	"muxd/pkg/server"
	"muxd/pkg/shutdown"
	"muxd/pkg/sshmux"
)

// maxSleep bounds /sleep so a single request cannot hold drain forever.
const maxSleep = time.Minute

// connInfo is the per-connection state of both transports.
type connInfo struct {
	ID   uint64
	Peer string
}

// connTracker hands out connection ids and logs connection lifetimes.
type connTracker struct {
	next atomic.Uint64
	log  *slog.Logger
}

func (t *connTracker) admit(_ context.Context, peer net.Addr) server.Admission[connInfo] {
	info := connInfo{ID: t.next.Add(1), Peer: peer.String()}
	t.log.Debug("connection admitted", "conn", info.ID, "peer", info.Peer)
	return server.Accept(info)
}

func (t *connTracker) close(_ context.Context, info connInfo) {
	t.log.Debug("connection closed", "conn", info.ID, "peer", info.Peer)
}

// newRouter is the HTTP application served on every HTTP/2 stream.
func newRouter(tok *shutdown.Token) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello from muxd over %s\n", r.Proto)
	})

	// healthz turns unhealthy as soon as shutdown starts, so load balancers
	// stop routing new work here while streams drain.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if tok.Requested() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})

	r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		io.Copy(w, r.Body)
	})

	r.Get("/sleep/{duration}", func(w http.ResponseWriter, r *http.Request) {
		d, err := time.ParseDuration(chi.URLParam(r, "duration"))
		if err != nil || d < 0 || d > maxSleep {
			http.Error(w, "invalid duration", http.StatusBadRequest)
			return
		}
		select {
		case <-time.After(d):
			fmt.Fprintf(w, "slept %s\n", d)
		case <-r.Context().Done():
		}
	})

	return r
}

// h2Attributes labels HTTP/2 stream spans.
func h2Attributes(req any) []attribute.KeyValue {
	r, ok := req.(*h2.Request)
	if !ok {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("http.method", r.Method()),
		attribute.String("http.target", r.URL().Path),
	}
}

// sshAttributes labels SSH stream spans.
func sshAttributes(req any) []attribute.KeyValue {
	r, ok := req.(*sshmux.Request)
	if !ok {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("ssh.user", r.User()),
		attribute.String("muxd.service", serviceName(r.Meta())),
	}
}

var errUnknownService = errors.New("unknown service")

func serviceName(meta []byte) string {
	if len(meta) == 0 {
		return "echo"
	}
	return string(meta)
}

// sshStream serves one SSH channel. The channel's open data selects the
// service; "echo" (the default) copies input back to the client.
func sshStream(_ context.Context, _ connInfo, req *sshmux.Request, res *sshmux.Response) error {
	switch name := serviceName(req.Meta()); name {
	case "echo":
		_, err := res.ReadFrom(req)
		return err
	case "whoami":
		_, err := fmt.Fprintln(res, req.User())
		return err
	default:
		return fmt.Errorf("%w: %s", errUnknownService, name)
	}
}
