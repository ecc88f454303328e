package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"competition-engine/pkg/config"
	"competition-engine/pkg/db"
	"competition-engine/pkg/gen"
	"competition-engine/pkg/health"
	"competition-engine/pkg/httpapi"
	"competition-engine/pkg/lock"
	"competition-engine/pkg/logger"
	"competition-engine/pkg/otelcol"
	"competition-engine/pkg/outbox"
	"competition-engine/pkg/profiling"
	"competition-engine/pkg/redis"
	"competition-engine/pkg/server"
	"competition-engine/pkg/stream"
	"competition-engine/pkg/task"
	"competition-engine/services/attribution"
	"competition-engine/services/competition"
	"competition-engine/services/leaderboard"
	"competition-engine/services/ledger"
	"competition-engine/services/prize"
	"competition-engine/services/referral"
)

// The worker consumes the trade feed (NATS and asynq) and runs prize distribution tasks.
// Schema migration is left to the engine binary.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		stream.Module,
		task.Client,
		task.Server,
		outbox.Module,
		lock.Module,
		gen.Module,

		referral.Module,
		ledger.Module,
		competition.Module,
		leaderboard.Module,
		prize.Module,
		attribution.Module,

		attribution.WorkerModule,
		prize.WorkerModule,

		health.Module,
		server.ProvideHTTPServer,
		httpapi.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
})
