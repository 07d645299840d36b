package graph

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware opens an OpenTelemetry span around every node
// execution, the structured-tracing counterpart to LoggingMiddleware's
// plain events. Unlike emit.Event (a point-in-time record), a span has a
// start, an end, and a duration, so it wraps next directly instead of
// going through the Emitter interface.
type TracingMiddleware struct {
	Tracer trace.Tracer
}

func (m *TracingMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) (Message, error) {
	if m.Tracer == nil {
		return next(ctx, req.Message)
	}
	ctx, span := m.Tracer.Start(ctx, req.NodeID)
	defer span.End()
	span.SetAttributes(
		attribute.String("arborflow.run_id", RunIDFromContext(ctx)),
		attribute.String("arborflow.node_id", req.NodeID),
	)

	out, err := next(ctx, req.Message)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return out, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (m *TracingMiddleware) OnError(_ context.Context, _ error, _ NodeRequest) Action {
	return ActionPropagate
}
