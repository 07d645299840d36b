package graph

import (
	"context"
	"fmt"
	"time"
)

// getNodeTimeout determines the timeout for a node by precedence:
// NodePolicy.Timeout (per-node override) > defaultTimeout (runner-wide)
// > 0 (unlimited).
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	return defaultTimeout
}

// executeNodeWithTimeout wraps a node's Run with deadline enforcement.
func executeNodeWithTimeout(ctx context.Context, n Node, m Message, policy *NodePolicy, defaultTimeout time.Duration) (Message, error) {
	timeout := getNodeTimeout(policy, defaultTimeout)
	if timeout == 0 {
		return n.Run(ctx, m)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := n.Run(timeoutCtx, m)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return out, &TimeoutError{Message: fmt.Sprintf("node %s exceeded timeout of %v", n.ID(), timeout)}
	}
	return out, err
}
