package manager

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// tracerName is the instrumentation scope name for queue tracing.
const tracerName = "github.com/dmitrymomot/zonequeue/core/manager"

func tracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// traced runs one processor attempt inside a span. Without a configured
// provider the global noop tracer makes this a pass-through.
func (m *Manager) traced(ctx context.Context, p Processor, req *queue.Request) (*queue.Result, error) {
	ctx, span := m.tracer.Start(ctx, "zonequeue.request.process",
		trace.WithAttributes(
			attribute.String("zonequeue.request.id", req.ID),
			attribute.String("zonequeue.zone", req.Zone),
			attribute.String("zonequeue.endpoint", req.Endpoint),
			attribute.String("zonequeue.verb", req.Verb),
			attribute.Int("zonequeue.priority", int(req.Priority)),
			attribute.Int("zonequeue.retry_count", req.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if req.BatchID != "" {
		span.SetAttributes(attribute.String("zonequeue.batch.id", req.BatchID))
	}

	res, err := p.ProcessRequest(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}
