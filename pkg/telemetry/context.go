package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	metricsServer *http.Server
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns a telemetry instance that logs nothing, exports nothing and
// publishes nothing.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false

	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)

	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() {
	t.metricsServer = t.Metrics.StartMetricsServer()
}

// Shutdown stops all telemetry components in reverse order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	if t.metricsServer != nil {
		return t.metricsServer.Shutdown(ctx)
	}
	return nil
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := FromContext(ctx).WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

type convergeSpanKey struct{}

type convergeTimerKey struct{}

// WithConvergeContext starts the span, logger, and started event of one
// converge run.
func WithConvergeContext(ctx context.Context, runID, domain, requested string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartConvergeSpan(ctx, runID, domain, requested)
	logger := tel.Logger.WithRunID(runID).WithDomain(domain)
	spanCtx = logger.WithContext(spanCtx)

	published(logger, tel.Events.PublishConvergeStarted(runID, domain, requested))

	spanCtx = context.WithValue(spanCtx, convergeSpanKey{}, span)
	return context.WithValue(spanCtx, convergeTimerKey{}, NewTimer())
}

// EndConvergeContext completes a converge run started by WithConvergeContext.
func EndConvergeContext(ctx context.Context, runID, domain string, changed bool, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(convergeSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrChanged.Bool(changed))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var duration time.Duration
	if timer, ok := ctx.Value(convergeTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "failed"
	case changed:
		outcome = "changed"
	}
	tel.Metrics.RecordConverge(outcome, duration)

	logger := FromContext(ctx)
	if err != nil {
		published(logger, tel.Events.PublishConvergeFailed(runID, domain, err.Error()))
	} else {
		published(logger, tel.Events.PublishConvergeCompleted(runID, domain, changed, duration))
	}
}

// published logs an event the publisher refused.
func published(logger *Logger, err error) {
	if err != nil {
		logger.WithError(err).Debug("failed to publish event")
	}
}

// RecordTransition runs fn as one lifecycle transition with a span, a
// metric, and started/completed/failed events.
func RecordTransition(ctx context.Context, runID, domain, from, to, effector string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartTransitionSpan(ctx, domain, from, to, effector)
	defer span.End()

	logger := FromContext(ctx).WithTransition(from, to, effector)
	spanCtx = logger.WithContext(spanCtx)
	logger.Debug("transition started")
	published(logger, tel.Events.PublishTransitionStarted(runID, domain, from, to, effector))

	timer := NewTimer()
	err := fn(spanCtx)
	duration := timer.Duration()

	tel.Metrics.RecordTransition(effector, err, duration)
	if err != nil {
		RecordError(span, err)
		logger.WithError(err).Warn("transition failed")
		published(logger, tel.Events.PublishTransitionFailed(runID, domain, effector, err.Error()))
		return err
	}

	RecordSuccess(span)
	logger.WithField("duration", duration.String()).Info("transition completed")
	published(logger, tel.Events.PublishTransitionCompleted(runID, domain, effector, duration))
	return nil
}
