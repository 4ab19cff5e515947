// Package telemetry wraps the message router's dispatch pipeline with an
// OpenTelemetry span and a single structured logrus event per dispatched
// message, generalizing the teacher's per-HTTP-request metrics struct
// (api/metrics.go, api/metrics_test.go) from one route to every message
// type the router handles.
package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	dispatchEventName   = "dispatch"
	dispatchEventDomain = "boardsync.router"
)

func tracer() trace.Tracer {
	return otel.Tracer("boardsync-api/router")
}

// DispatchMetrics accumulates stage durations and the resolution outcome
// for one dispatched ClientMessage, and emits a span plus one
// observability.event log line when Finish is called.
type DispatchMetrics struct {
	logger  *logrus.Logger
	ctx     context.Context
	span    trace.Span
	start   time.Time
	msgType string

	decodeDuration    time.Duration
	serviceDuration   time.Duration
	broadcastDuration time.Duration
	outcome           string
	errorStage        string
}

// StartDispatch opens a span named boardsync.dispatch.<type> and returns
// the context carrying it plus a metrics accumulator. Callers must call
// Finish exactly once.
func StartDispatch(ctx context.Context, logger *logrus.Logger, msgType string) (context.Context, *DispatchMetrics) {
	ctx, span := tracer().Start(ctx, "boardsync.dispatch."+msgType,
		trace.WithAttributes(attribute.String("boardsync.message.type", msgType)))
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return ctx, &DispatchMetrics{
		logger:  logger,
		ctx:     ctx,
		span:    span,
		start:   time.Now(),
		msgType: msgType,
	}
}

func (m *DispatchMetrics) ObserveDecode(d time.Duration)    { m.decodeDuration = d }
func (m *DispatchMetrics) ObserveService(d time.Duration)   { m.serviceDuration = d }
func (m *DispatchMetrics) ObserveBroadcast(d time.Duration) { m.broadcastDuration = d }

// SetOutcome records the conflict resolution outcome: "clean", "merged",
// "rejected", or "error".
func (m *DispatchMetrics) SetOutcome(outcome string) { m.outcome = outcome }

func (m *DispatchMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Finish closes the span and logs one observability.event line. It is
// safe to call on a nil receiver so callers that short-circuit before
// StartDispatch need no extra guard.
func (m *DispatchMetrics) Finish(err error) {
	if m == nil {
		return
	}
	defer m.span.End()

	totalMs := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForOutcome(m.outcome, err)

	attrs := []attribute.KeyValue{
		attribute.String("boardsync.message.type", m.msgType),
		attribute.Float64("boardsync.dispatch.total_ms", totalMs),
		attribute.Float64("boardsync.dispatch.decode_ms", durationToMillis(m.decodeDuration)),
		attribute.Float64("boardsync.dispatch.service_ms", durationToMillis(m.serviceDuration)),
		attribute.Float64("boardsync.dispatch.broadcast_ms", durationToMillis(m.broadcastDuration)),
		attribute.String("boardsync.dispatch.outcome", m.outcome),
		attribute.String("severity_text", severityText),
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("boardsync.dispatch.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.SetAttributes(attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(attrs...))

	fields := logrus.Fields{
		"event.name":      dispatchEventName,
		"event.domain":    dispatchEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes": map[string]any{
			"boardsync.message.type":       m.msgType,
			"boardsync.dispatch.total_ms":   totalMs,
			"boardsync.dispatch.outcome":    m.outcome,
			"boardsync.dispatch.error_stage": m.errorStage,
		},
	}
	spanCtx := trace.SpanContextFromContext(m.ctx)
	if spanCtx.HasTraceID() {
		fields["trace_id"] = spanCtx.TraceID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Log(logrusLevelFor(severityText), "observability.event")
}

func severityForOutcome(outcome string, err error) (string, int) {
	if err != nil {
		return "ERROR", 17
	}
	switch outcome {
	case "rejected", "error":
		return "WARN", 13
	case "":
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func logrusLevelFor(severityText string) logrus.Level {
	switch severityText {
	case "ERROR":
		return logrus.ErrorLevel
	case "WARN":
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
