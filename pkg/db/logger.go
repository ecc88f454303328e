package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	ctxlog "competition-engine/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const defaultSlowQuery = 200 * time.Millisecond

// ZapGormLogger routes gorm logs through zap with the trace of the calling context.
// Missing rows and unique violations are expected outcomes (FindOne, idempotent inserts)
// and only show up at debug level.
type ZapGormLogger struct {
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
	ShowSQL       bool

	base func(ctx context.Context) *zap.Logger
}

func NewZapGormLogger(logLevel logger.LogLevel, slow time.Duration, showSQL bool) *ZapGormLogger {
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &ZapGormLogger{
		SlowThreshold: slow,
		LogLevel:      logLevel,
		ShowSQL:       showSQL,
		base:          ctxlog.FromContext,
	}
}

func (l *ZapGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	next := *l
	next.LogLevel = level
	return &next
}

func (l *ZapGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		l.base(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		l.base(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		l.base(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	log := l.base(ctx).With(
		zap.String("file", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)

	switch {
	case err != nil && (errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrDuplicatedKey)):
		log.Debug("gorm.expected_error", zap.Error(err))
	case err != nil && l.LogLevel >= logger.Error:
		log.Error("gorm.query", zap.Error(err))
	case elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		log.Warn("gorm.slow_query", zap.Duration("threshold", l.SlowThreshold))
	case l.LogLevel >= logger.Info && l.ShowSQL:
		log.Info("gorm.query")
	}
}
