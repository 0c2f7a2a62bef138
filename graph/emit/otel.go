package emit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes an instantaneous span named "threadgraph.<msg>" with
// attributes:
//   - threadgraph.thread_id, threadgraph.seq, threadgraph.step, threadgraph.node_id
//   - threadgraph.<key> for every Meta entry
//
// Events carrying an "error" meta entry get an error status.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("threadgraph"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter from a tracer, e.g. otel.Tracer("threadgraph").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	o.EmitContext(context.Background(), event)
}

// EmitContext creates the span as a child of any span already in ctx.
func (o *OTelEmitter) EmitContext(ctx context.Context, event Event) {
	_, span := o.tracer.Start(ctx, "threadgraph."+event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("threadgraph.thread_id", event.ThreadID),
		attribute.Int64("threadgraph.seq", event.Seq),
		attribute.Int("threadgraph.step", event.Step),
		attribute.String("threadgraph.node_id", event.NodeID),
	)
	for _, key := range sortedKeys(event.Meta) {
		span.SetAttributes(metaAttribute("threadgraph."+key, event.Meta[key]))
	}

	switch v := event.Meta["error"].(type) {
	case error:
		span.RecordError(v)
		span.SetStatus(codes.Error, v.Error())
	case string:
		span.RecordError(errors.New(v))
		span.SetStatus(codes.Error, v)
	}
}

// metaAttribute converts a meta value to the closest attribute type.
func metaAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case time.Duration:
		return attribute.Int64(key, v.Milliseconds())
	case error:
		return attribute.String(key, v.Error())
	default:
		return attribute.String(key, strings.TrimSpace(fmt.Sprintf("%v", v)))
	}
}
