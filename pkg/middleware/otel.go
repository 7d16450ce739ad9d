package middleware

import (
	"context"
	"fmt"
	"net"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"muxd/pkg/server"
)

// Default tracer name for muxd servers.
const defaultTracerName = "muxd"

// OTelConfig configures the OpenTelemetry tracing decorator.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "muxd").
	TracerName string

	// TracerProvider supplies the tracer. Default: the global provider.
	TracerProvider trace.TracerProvider

	// AttributeExtractor extracts custom attributes from a stream's request.
	// Called for each traced stream.
	AttributeExtractor func(req any) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry decorator.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(req any) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// Trace wraps h so that every admission and every stream gets a server span.
// The stream handler receives a context carrying its span.
//
// The tracer uses the global OpenTelemetry tracer provider unless
// WithTracerProvider is given. Configure it in main() before starting the
// server:
//
//	otel.SetTracerProvider(tp)
func Trace[S, Req, Res any](h server.Handler[S, Req, Res], opts ...OTelOption) server.Handler[S, Req, Res] {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	return &traced[S, Req, Res]{
		config: config,
		tracer: config.TracerProvider.Tracer(config.TracerName),
		next:   h,
	}
}

type traced[S, Req, Res any] struct {
	config OTelConfig
	tracer trace.Tracer
	next   server.Handler[S, Req, Res]
}

func (h *traced[S, Req, Res]) Admit(ctx context.Context, peer net.Addr) server.Admission[S] {
	ctx, span := h.tracer.Start(ctx, "muxd.admit",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.addr", peer.String())),
	)
	defer span.End()

	adm := h.next.Admit(ctx, peer)
	span.SetAttributes(attribute.String("muxd.admission", adm.String()))
	return adm
}

func (h *traced[S, Req, Res]) Stream(ctx context.Context, state S, req Req, res Res) error {
	attrs := []attribute.KeyValue{
		attribute.String("muxd.request_type", fmt.Sprintf("%T", req)),
	}
	if h.config.AttributeExtractor != nil {
		attrs = append(attrs, h.config.AttributeExtractor(req)...)
	}

	ctx, span := h.tracer.Start(ctx, "muxd.stream",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	err := h.next.Stream(ctx, state, req, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (h *traced[S, Req, Res]) Close(ctx context.Context, state S) {
	h.next.Close(ctx, state)
}
