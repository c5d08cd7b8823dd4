// Package telemetry records runtime and friction events and exports metrics
// over OTLP. With no endpoint configured the meter provider is a no-op and
// events only reach the log.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Event is one runtime telemetry record emitted per execution attempt
type Event struct {
	Source     string
	Endpoint   string
	Method     string
	StatusCode int
	RuntimeMS  int64
	IdeaID     string
	Metadata   map[string]any
}

// FrictionEvent is a structured report of a blocked or degraded flow
type FrictionEvent struct {
	Block    string
	Severity string
	Owner    string
	TaskID   string
	Detail   string
}

// Sink accepts runtime telemetry records
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// FrictionSink accepts friction reports
type FrictionSink interface {
	RecordFriction(ctx context.Context, ev FrictionEvent)
}

// Shutdown flushes and stops the exporter
type Shutdown func(ctx context.Context) error

// Init configures the global OTLP meter provider. If endpoint is empty,
// metrics are disabled and the returned shutdown is a no-op.
func Init(ctx context.Context, endpoint, serviceName, version string) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	exp, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(15*time.Second),
		)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

// Recorder is the default Sink and FrictionSink: counters and runtime
// histograms through the global meter, one log line per event.
type Recorder struct {
	events   metric.Int64Counter
	friction metric.Int64Counter
	runtime  metric.Int64Histogram
}

// NewRecorder creates a Recorder on the global meter provider
func NewRecorder() (*Recorder, error) {
	meter := otel.Meter("agent-task-coordinator")

	events, err := meter.Int64Counter("coordinator.runtime_events",
		metric.WithDescription("Runtime telemetry events emitted per execution attempt"))
	if err != nil {
		return nil, err
	}
	friction, err := meter.Int64Counter("coordinator.friction_events",
		metric.WithDescription("Friction events reported by the coordinator"))
	if err != nil {
		return nil, err
	}
	runtime, err := meter.Int64Histogram("coordinator.attempt_runtime_ms",
		metric.WithDescription("Wall-clock runtime of execution attempts"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Recorder{events: events, friction: friction, runtime: runtime}, nil
}

// Record emits one runtime event
func (r *Recorder) Record(ctx context.Context, ev Event) {
	attrs := metric.WithAttributes(
		attribute.String("source", ev.Source),
		attribute.String("endpoint", ev.Endpoint),
		attribute.Int("status_code", ev.StatusCode),
	)
	r.events.Add(ctx, 1, attrs)
	r.runtime.Record(ctx, ev.RuntimeMS, attrs)
	log.Printf("telemetry: source=%s endpoint=%s status=%d runtime_ms=%d idea=%s",
		ev.Source, ev.Endpoint, ev.StatusCode, ev.RuntimeMS, ev.IdeaID)
}

// RecordFriction emits one friction event
func (r *Recorder) RecordFriction(ctx context.Context, ev FrictionEvent) {
	r.friction.Add(ctx, 1, metric.WithAttributes(
		attribute.String("block", ev.Block),
		attribute.String("severity", ev.Severity),
	))
	log.Printf("friction: block=%s severity=%s owner=%s task=%s detail=%s",
		ev.Block, ev.Severity, ev.Owner, ev.TaskID, ev.Detail)
}

// Nop discards all events. Used by tests and by callers that opt out.
type Nop struct{}

func (Nop) Record(ctx context.Context, ev Event)                 {}
func (Nop) RecordFriction(ctx context.Context, ev FrictionEvent) {}
