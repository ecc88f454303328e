package redis

import (
	"context"
	"time"

	"competition-engine/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

const (
	pingAttempts = 5
	pingBackoff  = 2 * time.Second
)

func options(c *config.Config) *redis.Options {
	return &redis.Options{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		PoolTimeout:  c.Redis.PoolTimeout,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// New returns a client without blocking construction. Reachability is checked on start;
// an unreachable server is logged, not fatal, because the leaderboard cache falls back
// to computing from the database.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	rdb := redis.NewClient(options(c))
	log := zap.L().Named("redis").With(zap.String("addr", c.Redis.Addr), zap.Int("db", c.Redis.DB))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ping(ctx, rdb, log); err != nil {
				log.Error("redis unreachable, serving without cache", zap.Error(err))
				return nil
			}
			log.Info("redis connected", zap.Int("pool_size", c.Redis.PoolSize))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}

func ping(ctx context.Context, rdb *redis.Client, log *zap.Logger) error {
	var err error
	for i := 1; i <= pingAttempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		if i == pingAttempts {
			break
		}
		log.Warn("redis not ready", zap.Int("attempt", i), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pingBackoff):
		}
	}
	return err
}
