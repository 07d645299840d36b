package graph

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware throttles node execution to a token-bucket budget
// before delegating to the next handler, the same token-bucket shape as
// goadesign-goa-ai's AdaptiveRateLimiter (features/model/middleware/
// ratelimit.go), narrowed here to a plain (non-adaptive) limiter shared
// by every node execution the middleware wraps: agent/tool nodes are the
// external-call boundary spec §5 says must dispatch blocking work rather than hold a scheduling thread, and
// this is the mechanism that bounds how fast the runner drives that
// boundary.
//
// A nil Limiter makes the middleware a no-op, so it is always safe to
// register.
type RateLimitMiddleware struct {
	Limiter *rate.Limiter
	Metrics *PrometheusMetrics
}

// NewRateLimitMiddleware builds a middleware allowing up to ratePerSec
// sustained node executions per second with burst headroom of burst.
func NewRateLimitMiddleware(ratePerSec float64, burst int) *RateLimitMiddleware {
	return &RateLimitMiddleware{Limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

func (m *RateLimitMiddleware) OnNode(ctx context.Context, req NodeRequest, next NodeHandler) (Message, error) {
	if m.Limiter == nil {
		return next(ctx, req.Message)
	}
	if m.Limiter.Allow() {
		return next(ctx, req.Message)
	}
	if m.Metrics != nil {
		m.Metrics.BackpressureEvents.Inc()
	}
	if err := m.Limiter.Wait(ctx); err != nil {
		return req.Message, &ExecutionError{Cause: err}
	}
	return next(ctx, req.Message)
}

func (m *RateLimitMiddleware) OnError(_ context.Context, _ error, _ NodeRequest) Action {
	return ActionPropagate
}
