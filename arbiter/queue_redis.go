package arbiter

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// redisResponse is the JSON wire shape stored in the Redis list, matching
// the "Response shape (consumed by Arbiter)" in spec §6.
type redisResponse struct {
	RunID             string   `json:"runId"`
	NodeID            string   `json:"nodeId"`
	InvocationIndex   int      `json:"invocationIndex"`
	SelectedOptionIDs []string `json:"selectedOptionIds,omitempty"`
	FreeText          string   `json:"freeText,omitempty"`
}

// RedisQueue implements ResponseQueue on a single Redis list via
// RPUSH/BLPOP, reusing the same driver (github.com/redis/go-redis/v9) the
// stream-log event bus backend uses — the durable, multi-process
// counterpart to MemoryQueue.
type RedisQueue struct {
	rdb  *redis.Client
	key  string
}

// NewRedisQueue wraps an already-configured *redis.Client; key names the
// Redis list responses are pushed onto and popped from.
func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, resp Response) error {
	payload, err := json.Marshal(redisResponse{
		RunID:             resp.RunID,
		NodeID:            resp.NodeID,
		InvocationIndex:   resp.InvocationIndex,
		SelectedOptionIDs: resp.SelectedOptionIDs,
		FreeText:          resp.FreeText,
	})
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, q.key, payload).Err()
}

// Pop blocks (BLPOP) until a response is available or ctx is cancelled.
// A 0 timeout means block indefinitely, subject to ctx.
func (q *RedisQueue) Pop(ctx context.Context) (Response, bool, error) {
	res, err := q.rdb.BLPop(ctx, 0, q.key).Result()
	if err == redis.Nil {
		return Response{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, false, ctx.Err()
		}
		return Response{}, false, err
	}
	// BLPop returns [key, value]; we only pushed one key.
	if len(res) < 2 {
		return Response{}, false, nil
	}
	var raw redisResponse
	if err := json.Unmarshal([]byte(res[1]), &raw); err != nil {
		return Response{}, false, err
	}
	return Response{
		RunID:             raw.RunID,
		NodeID:            raw.NodeID,
		InvocationIndex:   raw.InvocationIndex,
		SelectedOptionIDs: raw.SelectedOptionIDs,
		FreeText:          raw.FreeText,
	}, true, nil
}

func (q *RedisQueue) Close() error { return q.rdb.Close() }
