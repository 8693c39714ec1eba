package tracing

import (
	"context"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/id"
	"go.uber.org/zap"
)

// Propagation headers.
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// Span is a single timed operation.
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string
	Name     string
	Start    time.Time
	Duration time.Duration
	Fields   []zap.Field

	tracer *Tracer
}

// Tracer creates spans and logs them on completion.
type Tracer struct {
	service string
	log     *zap.Logger
}

// New creates a tracer. A nil logger discards spans.
func New(service string, log *zap.Logger) *Tracer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracer{service: service, log: log}
}

// Start opens a span under whatever trace ctx carries, or a new trace.
func (t *Tracer) Start(ctx context.Context, name string, fields ...zap.Field) (*Span, context.Context) {
	traceID := TraceID(ctx)
	if traceID == "" {
		traceID = id.NewTraceID().String()
	}
	span := &Span{
		TraceID:  traceID,
		SpanID:   id.Default().GenerateWithPrefix("spn"),
		ParentID: SpanID(ctx),
		Name:     name,
		Start:    time.Now(),
		Fields:   fields,
		tracer:   t,
	}
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, spanIDKey, span.SpanID)
	return span, ctx
}

// Annotate attaches fields reported when the span ends.
func (s *Span) Annotate(fields ...zap.Field) {
	s.Fields = append(s.Fields, fields...)
}

// End closes the span and logs it.
func (s *Span) End(err error) {
	s.Duration = time.Since(s.Start)
	if s.tracer == nil {
		return
	}

	fields := append([]zap.Field{
		zap.String("trace_id", s.TraceID),
		zap.String("span_id", s.SpanID),
		zap.String("operation", s.Name),
		zap.String("service", s.tracer.service),
		zap.Duration("duration", s.Duration),
	}, s.Fields...)
	if s.ParentID != "" {
		fields = append(fields, zap.String("parent_id", s.ParentID))
	}

	if err != nil {
		s.tracer.log.Warn("span completed with error", append(fields, zap.Error(err))...)
		return
	}
	s.tracer.log.Debug("span completed", fields...)
}

// WithTrace seeds ctx with an inbound trace id.
func WithTrace(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace id carried by ctx.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// SpanID returns the current span id carried by ctx.
func SpanID(ctx context.Context) string {
	v, _ := ctx.Value(spanIDKey).(string)
	return v
}

// Inject writes trace headers for an outbound request.
func Inject(ctx context.Context, set func(key, value string)) {
	if v := TraceID(ctx); v != "" {
		set(HeaderTraceID, v)
	}
	if v := SpanID(ctx); v != "" {
		set(HeaderSpanID, v)
	}
}
