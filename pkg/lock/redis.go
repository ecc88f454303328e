package lock

import (
	"context"
	"fmt"
	"time"

	"competition-engine/pkg/errutil"
	"competition-engine/pkg/rediskey"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// compare-and-delete so a holder never frees a lease that expired and was re-acquired
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, opts Options) (Unlock, error) {
	opts = opts.withDefaults()
	start := time.Now()
	redisKey := rediskey.BuildLockKey(key)
	token := uuid.NewString()

	deadline := time.NewTimer(opts.Wait)
	defer deadline.Stop()

	backoff := 10 * time.Millisecond
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, opts.TTL).Result()
		if err != nil {
			zap.L().Error("failed to acquire lock", zap.String("key", redisKey), zap.Error(err))
			return nil, errutil.Unavailable("lock backend unavailable", err)
		}
		if ok {
			observe("redis", start, nil)
			return l.unlocker(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			observe("redis", start, ctx.Err())
			return nil, errutil.Timeout("lock acquisition cancelled", ctx.Err())
		case <-deadline.C:
			observe("redis", start, ErrLockTimeout)
			return nil, fmt.Errorf("%s: %w", key, ErrLockTimeout)
		case <-time.After(backoff):
		}

		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *RedisLocker) unlocker(key, token string) Unlock {
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			zap.L().Error("failed to release lock", zap.String("key", key), zap.Error(err))
			return err
		}
		if n == 0 {
			zap.L().Warn("lock expired before release", zap.String("key", key))
		}
		return nil
	}
}
