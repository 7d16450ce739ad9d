// Package middleware decorates a server.Handler with observability:
// Prometheus metrics (Instrument) and OpenTelemetry tracing (Trace).
//
// Decorators compose like any handler:
//
//	m := middleware.NewMetrics(middleware.WithNamespace("myapp"))
//	h := middleware.Instrument(m, middleware.Trace(handler))
//	srv := server.New(ln, h)
//	m.ObserveToken(srv.Token())
package middleware

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	conc "github.com/sourcegraph/conc/panics"

	"muxd/internal/panics"
	"muxd/pkg/server"
	"muxd/pkg/shutdown"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "muxd").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics, e.g. the
	// transport name when several servers share a registry.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for stream duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "muxd",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors shared by every handler instrumented with it.
type Metrics struct {
	config  MetricsConfig
	factory promauto.Factory

	connections    *prometheus.CounterVec
	closedConns    prometheus.Counter
	streamsTotal   *prometheus.CounterVec
	streamDuration prometheus.Histogram
	streamErrors   *prometheus.CounterVec
	activeStreams  prometheus.Gauge
}

// NewMetrics registers the muxd collectors.
//
// Metrics collected:
//   - muxd_connections_total: Counter of admission decisions by outcome
//   - muxd_connections_closed_total: Counter of admitted connections that ended, handshake failures included
//   - muxd_streams_total: Counter of finished streams by status
//   - muxd_stream_duration_seconds: Histogram of handler duration
//   - muxd_stream_errors_total: Counter of failed streams by error type
//   - muxd_active_streams: Gauge of running stream handlers
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		config:  config,
		factory: factory,

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_total",
			Help:        "Total number of connection admission decisions",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		closedConns: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_closed_total",
			Help:        "Total number of admitted connections that have ended",
			ConstLabels: config.ConstLabels,
		}),

		streamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "streams_total",
			Help:        "Total number of streams served",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),

		streamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "stream_duration_seconds",
			Help:        "Stream handler duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		streamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "stream_errors_total",
			Help:        "Total number of failed streams",
			ConstLabels: config.ConstLabels,
		}, []string{"error_type"}),

		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_streams",
			Help:        "Number of stream handlers currently running",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ObserveToken exports the state of a shutdown token:
//   - muxd_shutdown_outstanding: live holders besides the coordinator
//   - muxd_shutdown_requested: 1 once shutdown has been signalled
func (m *Metrics) ObserveToken(tok *shutdown.Token) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "shutdown_outstanding",
		Help:        "Outstanding units of work (accept loops, connections, streams)",
		ConstLabels: m.config.ConstLabels,
	}, func() float64 { return float64(tok.Outstanding()) })

	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "shutdown_requested",
		Help:        "Whether graceful shutdown has been requested",
		ConstLabels: m.config.ConstLabels,
	}, func() float64 {
		if tok.Requested() {
			return 1
		}
		return 0
	})
}

// Instrument wraps h so that every admission, stream and close is recorded
// in m.
func Instrument[S, Req, Res any](m *Metrics, h server.Handler[S, Req, Res]) server.Handler[S, Req, Res] {
	return &instrumented[S, Req, Res]{m: m, next: h}
}

type instrumented[S, Req, Res any] struct {
	m    *Metrics
	next server.Handler[S, Req, Res]
}

func (h *instrumented[S, Req, Res]) Admit(ctx context.Context, peer net.Addr) server.Admission[S] {
	adm := h.next.Admit(ctx, peer)
	h.m.connections.WithLabelValues(adm.String()).Inc()
	return adm
}

func (h *instrumented[S, Req, Res]) Stream(ctx context.Context, state S, req Req, res Res) error {
	h.m.activeStreams.Inc()
	defer h.m.activeStreams.Dec()

	start := time.Now()
	err := panics.TryErr(func() error {
		return h.next.Stream(ctx, state, req, res)
	})
	h.m.streamDuration.Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
		h.m.streamErrors.WithLabelValues(categorizeError(err)).Inc()
	}
	h.m.streamsTotal.WithLabelValues(status).Inc()
	return err
}

func (h *instrumented[S, Req, Res]) Close(ctx context.Context, state S) {
	defer h.m.closedConns.Inc()
	h.next.Close(ctx, state)
}

// categorizeError keeps error labels low-cardinality.
func categorizeError(err error) string {
	var rec *conc.ErrRecovered
	switch {
	case errors.As(err, &rec):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "internal"
	}
}
