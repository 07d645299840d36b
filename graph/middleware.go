package graph

import (
	"context"
	"time"

	"github.com/arborflow/engine/graph/emit"
)

// Action is what an error-handling middleware decides to do after a node
// fails, per spec §4.5.
type Action int

const (
	ActionPropagate Action = iota
	ActionRetry
	ActionSkip
)

// NodeRequest is the view of an in-flight node execution middleware
// operates on.
type NodeRequest struct {
	NodeID  string
	Message Message
}

// NodeHandler is the next link in the middleware chain.
type NodeHandler func(ctx context.Context, m Message) (Message, error)

// Middleware wraps every node execution. Chain order is registration
// order, outermost first, matching spec §4.5.
type Middleware interface {
	OnNode(ctx context.Context, req NodeRequest, next NodeHandler) (Message, error)
	OnError(ctx context.Context, err error, req NodeRequest) Action
}

// chain composes middlewares into a single NodeHandler wrapping base,
// with mw[0] outermost. Every middleware sees the executing node's id on
// req.NodeID.
func chain(mws []Middleware, nodeID string, base NodeHandler) NodeHandler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := h
		h = func(ctx context.Context, m Message) (Message, error) {
			return mw.OnNode(ctx, NodeRequest{NodeID: nodeID, Message: m}, next)
		}
	}
	return h
}

// LoggingMiddleware emits node_start/node_end/node_error events through
// an emit.Emitter, the teacher's own observability idiom (graph/emit).
type LoggingMiddleware struct {
	Emitter emit.Emitter
}

func (m *LoggingMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) (Message, error) {
	runID := RunIDFromContext(ctx)
	m.Emitter.Emit(emit.Event{RunID: runID, NodeID: req.NodeID, Msg: "node_start"})
	out, err := next(ctx, req.Message)
	if err != nil {
		m.Emitter.Emit(emit.Event{RunID: runID, NodeID: req.NodeID, Msg: "node_error", Meta: map[string]interface{}{"error": err.Error()}})
		return out, err
	}
	m.Emitter.Emit(emit.Event{RunID: runID, NodeID: req.NodeID, Msg: "node_end"})
	return out, nil
}

func (m *LoggingMiddleware) OnError(_ context.Context, _ error, _ NodeRequest) Action {
	return ActionPropagate
}

// MetricsMiddleware records step latency and in-flight node counts into
// the runner's PrometheusMetrics (graph/metrics.go).
type MetricsMiddleware struct {
	Metrics *PrometheusMetrics
}

func (m *MetricsMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) (Message, error) {
	if m.Metrics == nil {
		return next(ctx, req.Message)
	}
	m.Metrics.nodeStarted()
	start := time.Now()
	out, err := next(ctx, req.Message)
	m.Metrics.nodeFinished(time.Since(start))
	return out, err
}

func (m *MetricsMiddleware) OnError(_ context.Context, _ error, _ NodeRequest) Action {
	return ActionPropagate
}

// TenantMiddleware propagates tenant/trace context from message metadata
// into the node's context, replacing thread-local tenant context with
// explicit propagation (spec §9).
type TenantMiddleware struct{}

func (TenantMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) (Message, error) {
	if tid, ok := req.Message.GetMetadata("tenantId").String(); ok {
		ctx = context.WithValue(ctx, tenantIDKey, tid)
	}
	return next(ctx, req.Message)
}

func (TenantMiddleware) OnError(_ context.Context, _ error, _ NodeRequest) Action {
	return ActionPropagate
}

type tenantCtxKey int

const tenantIDKey tenantCtxKey = 0

// TenantIDFromContext returns the propagated tenant id, if any.
func TenantIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// SchemaValidator is supplied by the caller (no implementation ships in
// this module); kept as a narrow interface here so the core doesn't
// import jsonschema directly.
type SchemaValidator interface {
	Validate(kind string, payload map[string]Value) error
}

// SchemaValidationMiddleware rejects tool-call arguments that don't
// conform to a registered schema: the message's last tool call is
// validated with its function name as the kind.
type SchemaValidationMiddleware struct {
	Validator SchemaValidator
}

func (m *SchemaValidationMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) (Message, error) {
	if m.Validator == nil || len(req.Message.ToolCalls) == 0 {
		return next(ctx, req.Message)
	}
	last := req.Message.ToolCalls[len(req.Message.ToolCalls)-1]
	if err := m.Validator.Validate(last.Function.Name, last.Function.Arguments); err != nil {
		return req.Message, &ValidationError{Message: err.Error(), Field: last.Function.Name}
	}
	return next(ctx, req.Message)
}

func (m *SchemaValidationMiddleware) OnError(_ context.Context, _ error, _ NodeRequest) Action {
	return ActionPropagate
}
