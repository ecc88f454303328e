package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

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
	"competition-engine/pkg/task"
	"competition-engine/services/competition"
	"competition-engine/services/leaderboard"
	"competition-engine/services/ledger"
	"competition-engine/services/prize"
	"competition-engine/services/referral"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		outbox.Module,
		lock.Module,
		gen.Module,
		fx.Invoke(migrate),

		referral.Module,
		ledger.Module,
		competition.Module,
		leaderboard.Module,
		prize.Module,

		health.Module,
		server.ProvideHTTPServer,
		httpapi.Module,
		referral.HTTPModule,
		ledger.HTTPModule,
		competition.HTTPModule,
		leaderboard.HTTPModule,
		prize.HTTPModule,
		leaderboard.SchedulerModule,
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

func migrate(conn *gorm.DB) error {
	models := append(referral.Models(), ledger.Models()...)
	models = append(models, competition.Models()...)
	if err := db.AutoMigrate(conn, models...); err != nil {
		zap.L().Error("[DB] migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("[DB] schema migrated", zap.Int("tables", len(models)))
	return nil
}
