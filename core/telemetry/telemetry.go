// Package telemetry exports queue activity as OpenTelemetry metrics. A
// Recorder consumes lifecycle events from the queue's event bus and, when a
// metrics source is attached, reports queue depth and utilization as gauges.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dmitrymomot/zonequeue/core/event"
	"github.com/dmitrymomot/zonequeue/core/queue"
)

// meterName is the instrumentation scope name for queue metrics.
const meterName = "github.com/dmitrymomot/zonequeue"

// Source supplies point-in-time queue metrics for the gauges.
type Source interface {
	GetMetrics(ctx context.Context) (queue.Metrics, error)
}

// Option configures a Recorder.
type Option func(*options)

type options struct {
	provider        metric.MeterProvider
	source          Source
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WithMeterProvider records into mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.provider = mp
		}
	}
}

// WithSource enables the depth and utilization gauges.
func WithSource(s Source) Option {
	return func(o *options) {
		o.source = s
	}
}

// WithShutdownTimeout bounds how long Stop waits for the event processor.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Recorder translates queue events into metrics.
//
// Instruments:
//   - zonequeue.requests (Int64Counter): request lifecycle events, with
//     attributes event, zone and verb
//   - zonequeue.request.duration (Float64Histogram): processing time in
//     seconds of completed and failed attempts, with attributes zone and outcome
//   - zonequeue.retry.delay (Float64Histogram): backoff before retries and
//     deferrals in seconds, with attributes zone and event
//   - zonequeue.batches (Int64Counter): created and ready batches, with
//     attributes event and reason
//   - zonequeue.batch.size (Int64Histogram): members per ready batch
//   - zonequeue.circuit.transitions (Int64Counter): breaker state changes,
//     with attributes zone and to
//   - zonequeue.alerts (Int64Counter): monitor alerts, with attributes rule,
//     severity and state
//   - zonequeue.queue.full (Int64Counter): rejected enqueues
//   - zonequeue.queue.pending, zonequeue.queue.in_flight (Int64ObservableGauge)
//     and zonequeue.queue.utilization (Float64ObservableGauge) when a Source
//     is attached
type Recorder struct {
	processor    *event.Processor
	registration metric.Registration
	logger       *slog.Logger

	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	delay       metric.Float64Histogram
	batches     metric.Int64Counter
	batchSize   metric.Int64Histogram
	transitions metric.Int64Counter
	alerts      metric.Int64Counter
	queueFull   metric.Int64Counter
}

// New creates a Recorder consuming bus. Call Start or Run to begin recording.
func New(bus *event.Bus, opts ...Option) (*Recorder, error) {
	o := &options{
		shutdownTimeout: 5 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}
	meter := o.provider.Meter(meterName)

	r := &Recorder{logger: o.logger}
	if err := r.instruments(meter); err != nil {
		return nil, err
	}
	if o.source != nil {
		if err := r.gauges(meter, o.source); err != nil {
			return nil, err
		}
	}

	handlers := make([]event.Handler, 0, len(event.AllNames))
	for _, name := range []string{
		event.RequestEnqueued,
		event.RequestDeduplicated,
		event.RequestProcessing,
		event.RequestCompleted,
		event.RequestFailed,
		event.RequestRetrying,
		event.RequestDeferred,
		event.RequestExpired,
		event.RequestCancelled,
	} {
		handlers = append(handlers, event.NewHandler(name, r.onRequest(name)))
	}
	handlers = append(handlers,
		event.NewHandler(event.BatchCreated, r.onBatch(event.BatchCreated)),
		event.NewHandler(event.BatchReady, r.onBatch(event.BatchReady)),
		event.NewHandler(event.QueueFull, r.onQueueFull),
		event.NewHandler(event.CircuitStateChanged, r.onCircuit),
		event.NewHandler(event.AlertRaised, r.onAlert("raised")),
		event.NewHandler(event.AlertResolved, r.onAlert("resolved")),
	)

	p, err := event.NewProcessor(bus,
		event.WithHandler(handlers...),
		event.WithShutdownTimeout(o.shutdownTimeout),
		event.WithProcessorLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create event processor: %w", err)
	}
	r.processor = p
	return r, nil
}

func (r *Recorder) instruments(meter metric.Meter) error {
	var errs []error
	var err error

	r.requests, err = meter.Int64Counter("zonequeue.requests",
		metric.WithDescription("Request lifecycle events"),
		metric.WithUnit("{event}"))
	errs = append(errs, err)

	r.duration, err = meter.Float64Histogram("zonequeue.request.duration",
		metric.WithDescription("Processing time of request attempts"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	r.delay, err = meter.Float64Histogram("zonequeue.retry.delay",
		metric.WithDescription("Delay before a request is attempted again"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	r.batches, err = meter.Int64Counter("zonequeue.batches",
		metric.WithDescription("Batch lifecycle events"),
		metric.WithUnit("{batch}"))
	errs = append(errs, err)

	r.batchSize, err = meter.Int64Histogram("zonequeue.batch.size",
		metric.WithDescription("Members per dispatched batch"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	r.transitions, err = meter.Int64Counter("zonequeue.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes"),
		metric.WithUnit("{transition}"))
	errs = append(errs, err)

	r.alerts, err = meter.Int64Counter("zonequeue.alerts",
		metric.WithDescription("Queue monitor alerts"),
		metric.WithUnit("{alert}"))
	errs = append(errs, err)

	r.queueFull, err = meter.Int64Counter("zonequeue.queue.full",
		metric.WithDescription("Enqueues rejected because the queue was full"),
		metric.WithUnit("{rejection}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}
	return nil
}

func (r *Recorder) gauges(meter metric.Meter, source Source) error {
	pending, err := meter.Int64ObservableGauge("zonequeue.queue.pending",
		metric.WithDescription("Requests waiting for dispatch"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	inFlight, err := meter.Int64ObservableGauge("zonequeue.queue.in_flight",
		metric.WithDescription("Requests being processed"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	utilization, err := meter.Float64ObservableGauge("zonequeue.queue.utilization",
		metric.WithDescription("Share of queue capacity in use"),
		metric.WithUnit("1"))
	if err != nil {
		return err
	}

	r.registration, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m, err := source.GetMetrics(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(pending, int64(m.Pending))
		o.ObserveInt64(inFlight, int64(m.InFlight))
		o.ObserveFloat64(utilization, m.Utilization)
		return nil
	}, pending, inFlight, utilization)
	if err != nil {
		return fmt.Errorf("register gauge callback: %w", err)
	}
	return nil
}

func (r *Recorder) onRequest(name string) event.HandlerFunc[event.RequestPayload] {
	return func(ctx context.Context, p event.RequestPayload) error {
		r.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", name),
			attribute.String("zone", p.Zone),
			attribute.String("verb", p.Verb),
		))

		switch name {
		case event.RequestCompleted, event.RequestFailed:
			outcome := "ok"
			if name == event.RequestFailed {
				outcome = "error"
			}
			r.duration.Record(ctx, p.Duration.Seconds(), metric.WithAttributes(
				attribute.String("zone", p.Zone),
				attribute.String("outcome", outcome),
			))
		case event.RequestRetrying, event.RequestDeferred:
			r.delay.Record(ctx, p.Delay.Seconds(), metric.WithAttributes(
				attribute.String("zone", p.Zone),
				attribute.String("event", name),
			))
		}
		return nil
	}
}

func (r *Recorder) onBatch(name string) event.HandlerFunc[event.BatchPayload] {
	return func(ctx context.Context, p event.BatchPayload) error {
		r.batches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", name),
			attribute.String("reason", p.Reason),
		))
		if name == event.BatchReady {
			r.batchSize.Record(ctx, int64(p.Size))
		}
		return nil
	}
}

func (r *Recorder) onQueueFull(ctx context.Context, p event.QueueFullPayload) error {
	r.queueFull.Add(ctx, 1, metric.WithAttributes(attribute.String("zone", p.Zone)))
	return nil
}

func (r *Recorder) onCircuit(ctx context.Context, p event.CircuitPayload) error {
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("zone", p.Zone),
		attribute.String("to", p.To),
	))
	return nil
}

func (r *Recorder) onAlert(state string) event.HandlerFunc[event.AlertPayload] {
	return func(ctx context.Context, p event.AlertPayload) error {
		r.alerts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", p.Rule),
			attribute.String("severity", p.Severity),
			attribute.String("state", state),
		))
		return nil
	}
}

// Start consumes events until ctx is cancelled or the bus closes.
// This is a blocking operation.
func (r *Recorder) Start(ctx context.Context) error {
	return r.processor.Start(ctx)
}

// Stop stops consuming events and unregisters the gauges.
func (r *Recorder) Stop() error {
	err := r.processor.Stop()
	if r.registration != nil {
		err = errors.Join(err, r.registration.Unregister())
	}
	return err
}

// Run provides errgroup compatibility.
func (r *Recorder) Run(ctx context.Context) func() error {
	return r.processor.Run(ctx)
}

// Stats reports how many events were recorded.
func (r *Recorder) Stats() event.ProcessorStats {
	return r.processor.Stats()
}
