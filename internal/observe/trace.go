package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/audiostream"

// SegmentSpanName names the span that covers one segment's dispatch,
// retries included.
const SegmentSpanName = "dispatch.segment"

// Span attribute keys for segment spans.
const (
	SessionIDKey     = attribute.Key("audiostream.session.id")
	SegmentIDKey     = attribute.Key("audiostream.segment.id")
	SegmentAudioKey  = attribute.Key("audiostream.segment.audio_ms")
	SegmentStatusKey = attribute.Key("audiostream.segment.status")
	SegmentRetryKey  = attribute.Key("audiostream.segment.retries")
)

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartSegment opens the span for dispatching one segment. The returned
// logger carries the session and segment IDs next to the trace IDs, so log
// lines and the span can be joined.
func StartSegment(ctx context.Context, sessionID string, segmentID uint64, audio time.Duration) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := tracer().Start(ctx, SegmentSpanName,
		trace.WithAttributes(
			SessionIDKey.String(sessionID),
			SegmentIDKey.Int64(int64(segmentID)),
			SegmentAudioKey.Int64(audio.Milliseconds()),
		),
	)
	log := Logger(ctx).With(
		slog.String("session_id", sessionID),
		slog.Uint64("segment_id", segmentID),
	)
	return ctx, span, log
}

// SegmentRetry records a retry decision on span.
func SegmentRetry(span trace.Span, attempt int, backoff time.Duration, err error) {
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.Int64("backoff_ms", backoff.Milliseconds()),
		attribute.String("error", err.Error()),
	))
}

// EndSegment stamps the final outcome on span and ends it. Cancelled and
// dropped segments leave the span status unset: they are not failures of
// the segment itself.
func EndSegment(span trace.Span, status string, retries int, err error) {
	span.SetAttributes(
		SegmentStatusKey.String(status),
		SegmentRetryKey.Int(retries),
	)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case status == "cancelled" || status == "dropped":
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace ID of the span in ctx, or "" when there is
// none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger, with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
