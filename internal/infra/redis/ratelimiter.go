package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 100
	rateLimitKeyPrefix       = "dispatch:ratelimit"
	backoffStep              = 10 * time.Millisecond
	backoffMax               = 50 * time.Millisecond
	windowSeconds            = 1
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// RedisRateLimiter caps adapter calls per channel per second across every worker process.
type RedisRateLimiter struct {
	client *goredis.Client
	limits map[domain.Channel]int64
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRedisRateLimiter applies limitPerSec to every channel without an override.
func NewRedisRateLimiter(client *goredis.Client, limitPerSec int, overrides map[domain.Channel]int) (*RedisRateLimiter, error) {
	limits := make(map[domain.Channel]int64, len(domain.Channels))
	for _, channel := range domain.Channels {
		limits[channel] = int64(limitPerSec)
		if override, ok := overrides[channel]; ok {
			limits[channel] = int64(override)
		}
	}
	return newRedisRateLimiter(client, limits, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limits map[domain.Channel]int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	normalized := make(map[domain.Channel]int64, len(domain.Channels))
	for _, channel := range domain.Channels {
		limit := limits[channel]
		if limit <= 0 {
			limit = defaultLimitPerSec
		}
		normalized[channel] = limit
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		limits: normalized,
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}
	limit, ok := r.limits[channel]
	if !ok {
		return false, fmt.Errorf("%w: unknown channel %q", domain.ErrValidation, channel)
	}

	key := fmt.Sprintf("%s:%s:%d", rateLimitKeyPrefix, channel, r.now().UTC().Unix())
	result, err := allowScript.Run(ctx, r.client, []string{key}, limit, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until channel has budget in the current window or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff+backoffStep, backoffMax)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
