package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "dispatch:queue"

// enqueueScript: KEYS[1]=queue KEYS[2]=messages ARGV[1]=capacity ARGV[2]=score ARGV[3]=id ARGV[4]=payload
var enqueueScript = goredis.NewScript(`
local capacity = tonumber(ARGV[1])
if capacity > 0 and redis.call("ZCARD", KEYS[1]) >= capacity then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
redis.call("HSET", KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// requeueScript: KEYS[1]=queue KEYS[2]=messages KEYS[3]=leases ARGV[1]=score ARGV[2]=id ARGV[3]=payload
var requeueScript = goredis.NewScript(`
redis.call("ZREM", KEYS[3], ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// dequeueScript: KEYS[1]=high KEYS[2]=low KEYS[3]=leases KEYS[4]=messages ARGV[1]=now ARGV[2]=lease deadline
var dequeueScript = goredis.NewScript(`
for i = 1, 2 do
  local ids = redis.call("ZRANGEBYSCORE", KEYS[i], "-inf", ARGV[1], "LIMIT", 0, 1)
  if #ids > 0 then
    redis.call("ZREM", KEYS[i], ids[1])
    redis.call("ZADD", KEYS[3], ARGV[2], ids[1])
    local payload = redis.call("HGET", KEYS[4], ids[1])
    if not payload then
      payload = ""
    end
    return {ids[1], payload}
  end
end
return false
`)

// reclaimScript: KEYS[1]=leases KEYS[2]=queue ARGV[1]=id ARGV[2]=now
var reclaimScript = goredis.NewScript(`
local deadline = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) > tonumber(ARGV[2]) then
  return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// ackScript: KEYS[1]=leases KEYS[2]=high KEYS[3]=low KEYS[4]=messages ARGV[1]=id
// The payload stays while the member sits in a queue again after a concurrent Requeue.
var ackScript = goredis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
if redis.call("ZSCORE", KEYS[2], ARGV[1]) or redis.call("ZSCORE", KEYS[3], ARGV[1]) then
  return 0
end
redis.call("HDEL", KEYS[4], ARGV[1])
return 1
`)

// removeScript: KEYS[1]=queue KEYS[2]=messages ARGV[1]=id
var removeScript = goredis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HDEL", KEYS[2], ARGV[1])
return 1
`)

var _ PriorityQueue = (*RedisQueue)(nil)

// RedisQueue keeps each priority queue in a sorted set scored by eligibility time in
// milliseconds. Ties are broken by member order, and job ids are time ordered, so fresh jobs
// leave in submission order.
type RedisQueue struct {
	client   *goredis.Client
	prefix   string
	capacity Capacity
	now      func() time.Time
}

func NewRedisQueue(client *goredis.Client, capacity Capacity) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if capacity.High < 0 || capacity.Low < 0 {
		return nil, fmt.Errorf("queue capacity must not be negative")
	}

	return &RedisQueue{
		client:   client,
		prefix:   defaultKeyPrefix,
		capacity: capacity,
		now:      time.Now,
	}, nil
}

func (q *RedisQueue) queueKey(priority domain.Priority) string {
	return fmt.Sprintf("%s:%s", q.prefix, QueueName(priority))
}

func (q *RedisQueue) leasesKey() string   { return q.prefix + ":leases" }
func (q *RedisQueue) messagesKey() string { return q.prefix + ":messages" }

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message, eligibleAt time.Time) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid queue message: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	capacity := q.capacity.For(msg.Priority)
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.queueKey(msg.Priority), q.messagesKey()},
		capacity, score(eligibleAt), msg.JobID, payload,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}
	if added == 0 {
		return saturatedError(msg.Priority, capacity)
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, msg Message, eligibleAt time.Time) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid queue message: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = requeueScript.Run(ctx, q.client,
		[]string{q.queueKey(msg.Priority), q.messagesKey(), q.leasesKey()},
		score(eligibleAt), msg.JobID, payload,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, lease time.Duration) (*Message, error) {
	now := q.now()
	result, err := dequeueScript.Run(ctx, q.client,
		[]string{
			q.queueKey(domain.PriorityHigh),
			q.queueKey(domain.PriorityLow),
			q.leasesKey(),
			q.messagesKey(),
		},
		score(now), score(now.Add(lease)),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected dequeue reply of length %d", len(result))
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		// The payload is gone; drop the lease so the orphan does not cycle forever.
		_ = q.client.ZRem(ctx, q.leasesKey(), result[0]).Err()
		return nil, fmt.Errorf("failed to decode queue message %s: %w", result[0], err)
	}
	return &msg, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	err := ackScript.Run(ctx, q.client,
		[]string{
			q.leasesKey(),
			q.queueKey(domain.PriorityHigh),
			q.queueKey(domain.PriorityLow),
			q.messagesKey(),
		},
		msg.JobID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, msg Message) (bool, error) {
	removed, err := removeScript.Run(ctx, q.client,
		[]string{q.queueKey(msg.Priority), q.messagesKey()},
		msg.JobID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", msg.JobID, err)
	}
	return removed == 1, nil
}

func (q *RedisQueue) RecoverExpired(ctx context.Context) (int, error) {
	now := score(q.now())
	expired, err := q.client.ZRangeByScore(ctx, q.leasesKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired leases: %w", err)
	}

	recovered := 0
	for _, jobID := range expired {
		payload, err := q.client.HGet(ctx, q.messagesKey(), jobID).Result()
		if errors.Is(err, goredis.Nil) {
			_ = q.client.ZRem(ctx, q.leasesKey(), jobID).Err()
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to load leased message %s: %w", jobID, err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return recovered, fmt.Errorf("failed to decode leased message %s: %w", jobID, err)
		}

		moved, err := reclaimScript.Run(ctx, q.client,
			[]string{q.leasesKey(), q.queueKey(msg.Priority)},
			jobID, now,
		).Int()
		if err != nil {
			return recovered, fmt.Errorf("failed to reclaim job %s: %w", jobID, err)
		}
		recovered += moved
	}

	return recovered, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	high := pipe.ZCard(ctx, q.queueKey(domain.PriorityHigh))
	low := pipe.ZCard(ctx, q.queueKey(domain.PriorityLow))
	leased := pipe.ZCard(ctx, q.leasesKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}

	return Depth{High: high.Val(), Low: low.Val(), Leased: leased.Val()}, nil
}

func score(t time.Time) int64 {
	return t.UnixMilli()
}
