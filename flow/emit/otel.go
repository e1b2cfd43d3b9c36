package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span, so job runs
// show up in whatever tracing backend the host service exports to.
//
// Each span carries the job and task identifiers plus all meta fields as
// attributes; events whose meta contains "error" are marked with error
// status. Spans are ended immediately; events are instants, and durations
// are carried in the "duration_ms" attribute.
//
// Setup is the application's concern:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("flowrx"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as an immediately-ended span.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("flowrx.job_id", event.JobID),
		attribute.String("flowrx.task_id", event.TaskID),
		attribute.String("flowrx.task", event.Task),
	)

	for k, v := range event.Meta {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String("flowrx."+k, val))
		case int:
			span.SetAttributes(attribute.Int("flowrx."+k, val))
		case int64:
			span.SetAttributes(attribute.Int64("flowrx."+k, val))
		case float64:
			span.SetAttributes(attribute.Float64("flowrx."+k, val))
		case bool:
			span.SetAttributes(attribute.Bool("flowrx."+k, val))
		default:
			span.SetAttributes(attribute.String("flowrx."+k, fmt.Sprintf("%v", val)))
		}
	}

	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}
