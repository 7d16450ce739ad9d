package middleware

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"

	"muxd/pkg/server"
	"muxd/pkg/shutdown"
)

type testHandler = server.HandlerFuncs[string, string, string]

var peer = &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	require.NotNil(t, m.Counter)
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	require.NotNil(t, m.Gauge)
	return m.GetGauge().GetValue()
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	require.NotNil(t, m.Histogram)
	return m.GetHistogram().GetSampleCount()
}

func TestInstrumentRecordsStreams(t *testing.T) {
	m := NewMetrics(WithRegistry(prometheus.NewRegistry()))
	boom := errors.New("boom")

	h := Instrument[string, string, string](m, testHandler{
		AdmitFunc: func(_ context.Context, p net.Addr) server.Admission[string] {
			if p == nil {
				return server.Reject[string]()
			}
			return server.Accept("state")
		},
		StreamFunc: func(_ context.Context, _ string, req string, _ string) error {
			switch req {
			case "fail":
				return boom
			case "panic":
				panic("handler bug")
			case "slow":
				return context.DeadlineExceeded
			}
			return nil
		},
	})

	adm := h.Admit(context.Background(), peer)
	assert.True(t, adm.Accepted())
	h.Admit(context.Background(), nil)

	assert.NoError(t, h.Stream(context.Background(), "state", "ok", ""))
	assert.ErrorIs(t, h.Stream(context.Background(), "state", "fail", ""), boom)
	assert.Error(t, h.Stream(context.Background(), "state", "panic", ""))
	assert.Error(t, h.Stream(context.Background(), "state", "slow", ""))
	h.Close(context.Background(), "state")

	assert.Equal(t, 1.0, counterValue(t, m.connections.WithLabelValues("accept")))
	assert.Equal(t, 1.0, counterValue(t, m.connections.WithLabelValues("reject")))
	assert.Equal(t, 1.0, counterValue(t, m.closedConns))
	assert.Equal(t, 1.0, counterValue(t, m.streamsTotal.WithLabelValues("success")))
	assert.Equal(t, 3.0, counterValue(t, m.streamsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, counterValue(t, m.streamErrors.WithLabelValues("internal")))
	assert.Equal(t, 1.0, counterValue(t, m.streamErrors.WithLabelValues("panic")))
	assert.Equal(t, 1.0, counterValue(t, m.streamErrors.WithLabelValues("timeout")))
	assert.Equal(t, uint64(4), histogramCount(t, m.streamDuration))
	assert.Equal(t, 0.0, gaugeValue(t, m.activeStreams))
}

func TestObserveToken(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("edge"))

	tok := shutdown.New()
	m.ObserveToken(tok)
	work := tok.Clone()
	tok.Clone()
	work.Release()
	tok.Signal()

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if g := metric.GetGauge(); g != nil {
				values[f.GetName()] = g.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["edge_shutdown_outstanding"])
	assert.Equal(t, 1.0, values["edge_shutdown_requested"])
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "closed", categorizeError(net.ErrClosed))
	assert.Equal(t, "canceled", categorizeError(context.Canceled))
	assert.Equal(t, "internal", categorizeError(errors.New("x")))
}

type recordedSpan struct {
	trace.Span
	name   string
	kind   trace.SpanKind
	attrs  []attribute.KeyValue
	status codes.Code
	errs   []error
	ended  bool
}

func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) { s.attrs = append(s.attrs, kv...) }
func (s *recordedSpan) SetStatus(code codes.Code, _ string) { s.status = code }
func (s *recordedSpan) RecordError(err error, _ ...trace.EventOption) {
	s.errs = append(s.errs, err)
}
func (s *recordedSpan) End(...trace.SpanEndOption) { s.ended = true }

type recordingTracer struct {
	embedded.Tracer
	mu    sync.Mutex
	spans []*recordedSpan
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recordedSpan{
		Span:  trace.SpanFromContext(context.Background()),
		name:  name,
		kind:  cfg.SpanKind(),
		attrs: cfg.Attributes(),
	}
	r.mu.Lock()
	r.spans = append(r.spans, s)
	r.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type recordingProvider struct {
	embedded.TracerProvider
	tracer *recordingTracer
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer { return p.tracer }

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestTraceCreatesSpans(t *testing.T) {
	rec := &recordingTracer{}
	boom := errors.New("boom")

	var streamSpan trace.Span
	h := Trace[string, string, string](testHandler{
		StreamFunc: func(ctx context.Context, _ string, req string, _ string) error {
			streamSpan = trace.SpanFromContext(ctx)
			if req == "fail" {
				return boom
			}
			return nil
		},
	}, WithTracerProvider(&recordingProvider{tracer: rec}), WithAttributeExtractor(func(req any) []attribute.KeyValue {
		return []attribute.KeyValue{attribute.String("test.req", req.(string))}
	}))

	adm := h.Admit(context.Background(), peer)
	assert.True(t, adm.Accepted())
	require.NoError(t, h.Stream(context.Background(), "", "ok", ""))
	assert.ErrorIs(t, h.Stream(context.Background(), "", "fail", ""), boom)
	h.Close(context.Background(), "")

	require.Len(t, rec.spans, 3)

	admit := rec.spans[0]
	assert.Equal(t, "muxd.admit", admit.name)
	assert.Equal(t, peer.String(), attrValue(admit.attrs, "net.peer.addr"))
	assert.Equal(t, "accept", attrValue(admit.attrs, "muxd.admission"))
	assert.True(t, admit.ended)

	ok := rec.spans[1]
	assert.Equal(t, "muxd.stream", ok.name)
	assert.Equal(t, trace.SpanKindServer, ok.kind)
	assert.Equal(t, "ok", attrValue(ok.attrs, "test.req"))
	assert.Equal(t, codes.Ok, ok.status)

	failed := rec.spans[2]
	assert.Equal(t, codes.Error, failed.status)
	assert.Equal(t, []error{boom}, failed.errs)
	assert.Same(t, failed, streamSpan)
}
