package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"competition-engine/pkg/config"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/prometheus"
)

var Module = fx.Module("database",
	fx.Provide(
		Dialect,
		New,
	),
	fx.Invoke(
		RegisterConnectionPool,
		Otel,
		Metric,
	),
)

// Dialect picks the gorm driver from DATABASE.TYPE. For sqlite DATABASE.DBNAME is the file path.
func Dialect(cfg *config.Config) (gorm.Dialector, error) {
	d := cfg.Database
	switch strings.ToLower(d.Type) {
	case "", "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			d.Host, d.User, d.Password, d.DBNAME, d.Port, d.SSLMode, d.Timezone)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.DBNAME)
		return mysql.Open(dsn), nil
	case "sqlite":
		dsn := d.DBNAME
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", d.Type)
	}
}

const (
	openAttempts = 5
	openBackoff  = 3 * time.Second
)

// gormLogLevel keeps SQL echo out of production logs.
func gormLogLevel(env string) (logger.LogLevel, bool) {
	if env == "production" {
		return logger.Warn, false
	}
	return logger.Info, true
}

// New opens the database, retrying while the server comes up.
func New(cfg *config.Config, dialector gorm.Dialector) (*gorm.DB, error) {
	level, showSQL := gormLogLevel(cfg.AppEnv)
	gcfg := &gorm.Config{
		Logger:         NewZapGormLogger(level, cfg.Database.SlowQuery, showSQL),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
	log := zap.L().Named("db").With(zap.String("dialect", dialector.Name()))

	var (
		conn *gorm.DB
		err  error
	)
	for attempt := 1; attempt <= openAttempts; attempt++ {
		if conn, err = gorm.Open(dialector, gcfg); err == nil {
			log.Info("database connected")
			return conn, nil
		}
		if attempt < openAttempts {
			log.Warn("database not ready", zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(openBackoff)
		}
	}
	return nil, fmt.Errorf("open %s database after %d attempts: %w", dialector.Name(), openAttempts, err)
}

type connectionPoolParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Config    *config.Config
}

func RegisterConnectionPool(p connectionPoolParams) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return fmt.Errorf("sql.DB from gorm: %w", err)
	}

	pool := p.Config.Database.ConnectionPool
	if p.DB.Dialector.Name() == "sqlite" {
		// sqlite allows a single writer
		pool.MaxOpenConns = 1
	}
	sqlDB.SetMaxIdleConns(pool.MaxIdleConn)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("closing database pool")
			return sqlDB.Close()
		},
	})
	return nil
}

// Otel adds a span per statement. Query args stay out of the spans.
func Otel(db *gorm.DB) error {
	if err := db.Use(otelgorm.NewPlugin(otelgorm.WithoutQueryVariables())); err != nil {
		return fmt.Errorf("register otelgorm: %w", err)
	}
	return nil
}

// Metric registers gorm pool stats on the default prometheus registry.
// The plugin's own HTTP server stays off; /metrics is served by pkg/server.
func Metric(db *gorm.DB) error {
	cfg := prometheus.Config{
		DBName:          getDBNameFromDialector(db.Dialector),
		RefreshInterval: 15,
		StartServer:     false,
	}
	if _, ok := db.Dialector.(*postgres.Dialector); ok {
		cfg.MetricsCollector = []prometheus.MetricsCollector{
			&prometheus.Postgres{VariableNames: []string{"Threads_running"}},
		}
	}

	if err := db.Use(prometheus.New(cfg)); err != nil {
		return fmt.Errorf("register gorm prometheus: %w", err)
	}
	return nil
}

// AutoMigrate creates or updates the tables of the given models.
func AutoMigrate(db *gorm.DB, models ...any) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func extractDBNameFromDSN(dsn string) string {
	for _, part := range strings.Fields(dsn) {
		if strings.HasPrefix(part, "dbname=") {
			return strings.TrimPrefix(part, "dbname=")
		}
	}
	if i := strings.LastIndex(dsn, "/"); i >= 0 {
		name := dsn[i+1:]
		if q := strings.Index(name, "?"); q >= 0 {
			name = name[:q]
		}
		if name != "" {
			return name
		}
	}
	return "unknown"
}

func getDBNameFromDialector(dialector gorm.Dialector) string {
	switch d := dialector.(type) {
	case *postgres.Dialector:
		return extractDBNameFromDSN(d.Config.DSN)
	case *mysql.Dialector:
		return extractDBNameFromDSN(d.Config.DSN)
	case *sqlite.Dialector:
		return "sqlite"
	default:
		return "unknown"
	}
}
