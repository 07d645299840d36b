package graph

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetNodeTimeout_PerNodeOverrideWinsOverDefault(t *testing.T) {
	policy := &NodePolicy{Timeout: 5 * time.Second}
	if got := getNodeTimeout(policy, time.Second); got != 5*time.Second {
		t.Fatalf("expected the node policy's timeout to win, got %v", got)
	}
}

func TestGetNodeTimeout_FallsBackToDefaultWhenPolicyUnset(t *testing.T) {
	if got := getNodeTimeout(nil, 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected the runner default, got %v", got)
	}
	if got := getNodeTimeout(&NodePolicy{}, 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected the runner default when policy.Timeout is zero, got %v", got)
	}
}

func TestExecuteNodeWithTimeout_ZeroTimeoutRunsUnbounded(t *testing.T) {
	slow := NewCustomNode("slow", func(_ context.Context, m Message) (Message, error) {
		return m, nil
	})
	out, err := executeNodeWithTimeout(context.Background(), slow, NewMessage("", "", ""), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	_ = out
}

func TestExecuteNodeWithTimeout_DeadlineExceededBecomesTimeoutError(t *testing.T) {
	blocking := NewCustomNode("blocking", func(ctx context.Context, m Message) (Message, error) {
		<-ctx.Done()
		return m, ctx.Err()
	})
	_, err := executeNodeWithTimeout(context.Background(), blocking, NewMessage("", "", ""), nil, 10*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
}

func TestExecuteNodeWithTimeout_NonTimeoutErrorPassesThrough(t *testing.T) {
	failing := NewCustomNode("failing", func(_ context.Context, m Message) (Message, error) {
		return m, &ValidationError{Message: "bad input"}
	})
	_, err := executeNodeWithTimeout(context.Background(), failing, NewMessage("", "", ""), nil, time.Second)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected the underlying error to pass through unwrapped, got %T: %v", err, err)
	}
}
