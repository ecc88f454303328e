package task

import (
	"context"
	"fmt"
	"time"

	"competition-engine/pkg/config"
	"competition-engine/pkg/errutil"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(newClient, NewEnqueuer),
)

var Server = fx.Module("asynq:server",
	fx.Provide(asynq.NewServeMux),
	fx.Invoke(runServer),
)

// servedQueues are consumed by the worker with these priorities. QueueLow carries
// outbound events for downstream consumers and is not served here.
var servedQueues = map[string]int{
	taskname.QueueCritical: 10,
	taskname.QueueDefault:  5,
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: 3 * time.Second,
	}
}

func newClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(redisOpt(cfg))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(); err != nil {
				return fmt.Errorf("asynq client ping: %w", err)
			}
			zap.L().Info("asynq client connected", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

// HandlerError marks client-side rejections with asynq.SkipRetry so they are archived
// instead of retried. Everything else keeps the default retry schedule.
func HandlerError(err error) error {
	if err == nil {
		return nil
	}
	switch errutil.StatusOf(err) {
	case errutil.StatusBadRequest, errutil.StatusValidationFailed, errutil.StatusNotFound,
		errutil.StatusConflict, errutil.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

func reportFailure(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logger.FromContext(ctx).Error("task failed",
		zap.String("task_type", t.Type()),
		zap.Int("retried", retried),
		zap.Int("max_retry", maxRetry),
		zap.Error(err),
	)
}

func runServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	srv := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency:     10,
		Queues:          servedQueues,
		RetryDelayFunc:  asynq.DefaultRetryDelayFunc,
		ShutdownTimeout: 10 * time.Second,
		ErrorHandler:    asynq.ErrorHandlerFunc(reportFailure),
		Logger:          zap.L().Named("asynq").Sugar(),
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start returns once the processors are running
			if err := srv.Start(mux); err != nil {
				return fmt.Errorf("start asynq server: %w", err)
			}
			zap.L().Info("asynq server started", zap.Any("queues", servedQueues))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Shutdown()
			return nil
		},
	})
}
