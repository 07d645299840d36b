// Package bus implements the event/message plane described in spec §4.7:
// a pluggable Backend abstraction with in-memory, Redis-Streams-style, and
// partitioned-log implementations, a schema-validating publish path, and
// dead-letter routing for handlers that repeatedly fail.
package bus

import (
	"context"
	"time"

	"github.com/arborflow/engine/graph"
)

// Event is the wire envelope published onto the bus: a run-level signal
// (node started/completed, run paused/resumed, HITL prompt) distinct from
// the in-graph Message it carries in Payload.
type Event struct {
	ID            string
	Type          string
	SchemaVersion string
	RunID         string
	GraphID       string
	NodeID        string
	CorrelationID string
	Payload       map[string]graph.Value
	Timestamp     time.Time
	Attempt       int
}

// Handler processes one Event. A returned error causes the backend to
// retry delivery (subject to the backend's own redelivery policy) and,
// after MaxDeliveries, route the event to the DLQ.
type Handler func(ctx context.Context, ev Event) error

// Backend is the pluggable transport a Bus drives. Implementations: an
// in-memory fanout (memory.go), a Redis Streams-backed log (redis.go),
// and a partitioned in-process log standing in for a Kafka-style
// partitioned broker (partitioned.go).
type Backend interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// DLQEntry records an event that exhausted its delivery attempts.
type DLQEntry struct {
	Topic     string
	Event     Event
	LastError string
	FailedAt  time.Time
}

// DLQSink receives events a subscriber could not process after
// MaxDeliveries attempts. The default sink (used when none is wired)
// only calls onDLQWrite with no further action; callers that need
// durable DLQ storage supply their own sink (e.g. writing to a
// CheckpointStore-backed table or a separate topic).
type DLQSink interface {
	Write(ctx context.Context, entry DLQEntry) error
}

// DLQFunc adapts a plain function to DLQSink.
type DLQFunc func(ctx context.Context, entry DLQEntry) error

func (f DLQFunc) Write(ctx context.Context, entry DLQEntry) error { return f(ctx, entry) }

// Bus wraps a Backend with schema validation and DLQ routing, the shape
// every node/runner collaborator publishes through rather than talking to
// a Backend directly.
type Bus struct {
	backend       Backend
	schema        *SchemaRegistry
	dlq           DLQSink
	maxDeliveries int
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithSchemaRegistry validates every published Event's Payload against a
// registered JSON Schema for ev.Type before handing it to the backend.
func WithSchemaRegistry(r *SchemaRegistry) Option {
	return func(b *Bus) { b.schema = r }
}

// WithDLQSink wires a DLQSink; without one, exhausted events are dropped
// after onDLQWrite's default no-op.
func WithDLQSink(sink DLQSink) Option {
	return func(b *Bus) { b.dlq = sink }
}

// WithMaxDeliveries bounds how many times a failing Handler is retried
// before the event routes to the DLQ (default 5).
func WithMaxDeliveries(n int) Option {
	return func(b *Bus) { b.maxDeliveries = n }
}

func New(backend Backend, opts ...Option) *Bus {
	b := &Bus{backend: backend, maxDeliveries: 5}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish validates ev against the registered schema, if one is wired,
// before handing it to the backend. A payload that fails validation
// (unregistered triple, or registered but malformed) never reaches a
// subscriber: fail-closed per spec §4.7. It is routed straight to the DLQ
// instead of erroring back to the caller, since in an event-driven system
// the producer and the eventual consumer are rarely the same actor able
// to act on a synchronous Publish error.
func (b *Bus) Publish(ctx context.Context, topic string, ev Event) error {
	if b.schema != nil {
		if err := b.schema.Validate(topic, ev); err != nil {
			b.onDLQWrite(ctx, topic, ev, err)
			return nil
		}
	}
	return b.backend.Publish(ctx, topic, ev)
}

// Subscribe wraps h with delivery counting: a Handler error increments
// ev.Attempt and republishes up to maxDeliveries before routing to the
// DLQ via onDLQWrite.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	return b.backend.Subscribe(ctx, topic, group, func(ctx context.Context, ev Event) error {
		err := h(ctx, ev)
		if err == nil {
			return nil
		}
		if ev.Attempt+1 >= b.maxDeliveries {
			b.onDLQWrite(ctx, topic, ev, err)
			return nil // acknowledge; it's been routed, not lost
		}
		ev.Attempt++
		return b.backend.Publish(ctx, topic, ev)
	})
}

func (b *Bus) onDLQWrite(ctx context.Context, topic string, ev Event, cause error) {
	if b.dlq == nil {
		return
	}
	_ = b.dlq.Write(ctx, DLQEntry{Topic: topic, Event: ev, LastError: cause.Error(), FailedAt: time.Now()})
}

func (b *Bus) Close() error { return b.backend.Close() }
