package bus

import (
	"context"
	"sync"
)

// MemoryBackend fans out published events to every subscriber of a topic
// synchronously, in-process. It keeps a bounded replay buffer per topic so
// a subscriber joining after publication can still catch recent history,
// the same bounded-history idea the teacher's buffered emitter
// (graph/emit/buffered.go) uses for observability events.
type MemoryBackend struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	history     map[string][]Event
	historyCap  int
	closed      bool
}

type subscription struct {
	group string
	h     Handler
}

// NewMemoryBackend builds an in-process Backend retaining up to
// historyCap recent events per topic (0 disables replay history).
func NewMemoryBackend(historyCap int) *MemoryBackend {
	return &MemoryBackend{
		subscribers: map[string][]subscription{},
		history:     map[string][]Event{},
		historyCap:  historyCap,
	}
}

func (b *MemoryBackend) Publish(ctx context.Context, topic string, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.historyCap > 0 {
		h := append(b.history[topic], ev)
		if len(h) > b.historyCap {
			h = h[len(h)-b.historyCap:]
		}
		b.history[topic] = h
	}
	subs := append([]subscription{}, b.subscribers[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers h against topic. group is accepted for interface
// parity with the partitioned/Redis-Streams backends but has no effect
// here: every subscriber sees every event, there being no consumer-group
// partitioning to do in a single process.
func (b *MemoryBackend) Subscribe(_ context.Context, topic, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subscribers[topic] = append(b.subscribers[topic], subscription{group: group, h: h})
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// History returns the retained replay buffer for topic.
func (b *MemoryBackend) History(topic string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history[topic]))
	copy(out, b.history[topic])
	return out
}
