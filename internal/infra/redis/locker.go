package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "dispatch:lock"

// ErrLockNotAcquired is returned when the lock is still held once the caller stops waiting.
var ErrLockNotAcquired = errors.New("lock not acquired")

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single instance SET NX lock. Each holder gets a random token so a
// release after expiry cannot drop someone else's lock.
type RedisLocker struct {
	client *goredis.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisLocker(client *goredis.Client) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisLocker{client: client, sleep: sleepWithContext}, nil
}

// Acquire polls until the lock is taken or ctx ends. The lock expires after ttl even if
// the returned release func is never called.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lockKey := fmt.Sprintf("%s:%s", lockKeyPrefix, key)
	token := uuid.NewString()

	backoff := backoffStep
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func(releaseCtx context.Context) error {
				if err := releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err(); err != nil {
					return fmt.Errorf("failed to release lock %s: %w", key, err)
				}
				return nil
			}, nil
		}

		if err := l.sleep(ctx, backoff); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
		}
		backoff = min(backoff+backoffStep, backoffMax)
	}
}
