package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamsBackend implements Backend on top of Redis Streams
// (XADD/XREADGROUP/XACK), giving consumer-group fan-out across process
// instances — the durable backend the event plane needs once a single
// process is no longer enough. It reads only new entries (">"): it does
// not inspect or reclaim pending entries (no XPENDING/XCLAIM), keeps no
// per-entry retry count, and has no dead-letter path of its own; an entry
// that is not acked stays pending in the group.
type RedisStreamsBackend struct {
	rdb      *redis.Client
	consumer string
	maxLen   int64
	block    time.Duration
}

// NewRedisStreamsBackend wraps an already-configured *redis.Client.
// consumer names this process within whatever consumer group Subscribe is
// called with; maxLen bounds each stream via XADD's approximate trimming
// (MAXLEN ~) so topics don't grow unbounded.
func NewRedisStreamsBackend(rdb *redis.Client, consumer string, maxLen int64) *RedisStreamsBackend {
	return &RedisStreamsBackend{rdb: rdb, consumer: consumer, maxLen: maxLen, block: 5 * time.Second}
}

func (b *RedisStreamsBackend) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	}).Err()
}

// Subscribe creates the consumer group if it doesn't exist (starting from
// the beginning of the stream, "0"), then loops XREADGROUP/handle/XACK
// until ctx is cancelled. A Handler error leaves the message unacked so
// it reappears via XPENDING/XCLAIM-based recovery in a future poll
// (recovery itself is left to an operator-run claimer, same as the
// teacher leaves retry-queue draining to an external process rather than
// building it into the library).
func (b *RedisStreamsBackend) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	if err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err(); err != nil {
		// BUSYGROUP means the group already exists, which is fine.
		if !isBusyGroupErr(err) {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{topic, ">"},
			Count:    10,
			Block:    b.block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				raw, _ := msg.Values["event"].(string)
				var ev Event
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					continue
				}
				if err := h(ctx, ev); err != nil {
					continue // left pending; a claimer process retries it
				}
				b.rdb.XAck(ctx, topic, group, msg.ID)
			}
		}
	}
}

func (b *RedisStreamsBackend) Close() error { return b.rdb.Close() }

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
