package logging

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hearth/backend"

// Span pairs an OpenTelemetry span with a logger carrying its identifiers.
type Span struct {
	name   string
	span   trace.Span
	logger *slog.Logger
	start  time.Time
}

// StartSpan opens a child span and enriches the context logger with the
// trace and span identifiers when the span is sampled.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, name)

	logger := FromContext(ctx).With(slog.String("span_name", name))
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	ctx = WithLogger(ctx, logger)
	return ctx, &Span{name: name, span: span, logger: logger, start: time.Now()}
}

// RecordError marks the span as failed.
func (s *Span) RecordError(err error) {
	if s == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End finalizes the span and emits a debug completion entry.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.span.End()
	s.logger.Debug("span completed", slog.Duration("duration", time.Since(s.start)))
}
