package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Log        struct {
		Level string `mapstructure:"LEVEL"`
	} `mapstructure:"LOG"`
	TLS struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr        string  `mapstructure:"ADDR"`
		Insecure    bool    `mapstructure:"INSECURE"`
		SampleRatio float64 `mapstructure:"SAMPLE_RATIO"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string        `mapstructure:"TYPE"`
		Host           string        `mapstructure:"HOST"`
		Port           string        `mapstructure:"PORT"`
		DBNAME         string        `mapstructure:"DBNAME"`
		User           string        `mapstructure:"USER"`
		Password       string        `mapstructure:"PASSWORD"`
		SSLMode        string        `mapstructure:"SSLMODE"`
		Timezone       string        `mapstructure:"TIMEZONE"`
		SlowQuery      time.Duration `mapstructure:"SLOW_QUERY"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Nats struct {
		URL          string `mapstructure:"URL"`
		Stream       string `mapstructure:"STREAM"`
		Subject      string `mapstructure:"SUBJECT"`
		ConsumerName string `mapstructure:"CONSUMER_NAME"`
	} `mapstructure:"NATS"`
	Ledger struct {
		LockTimeout           time.Duration `mapstructure:"LOCK_TIMEOUT"`
		LockTTL               time.Duration `mapstructure:"LOCK_TTL"`
		ReferralUpliftPercent int           `mapstructure:"REFERRAL_UPLIFT_PERCENT"`
	} `mapstructure:"LEDGER"`
	Leaderboard struct {
		Store           string        `mapstructure:"STORE"`
		CacheTTL        time.Duration `mapstructure:"CACHE_TTL"`
		RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL"`
		DefaultLimit    int           `mapstructure:"DEFAULT_LIMIT"`
		GlobalLimit     int           `mapstructure:"GLOBAL_LIMIT"`
	} `mapstructure:"LEADERBOARD"`
	Lock struct {
		Backend string `mapstructure:"BACKEND"`
	} `mapstructure:"LOCK"`
	Attribution struct {
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"ATTRIBUTION"`
	Snowflake struct {
		Node int64 `mapstructure:"NODE"`
	} `mapstructure:"SNOWFLAKE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "competition-engine")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("OTEL.SAMPLE_RATIO", 1.0)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.SLOW_QUERY", 200*time.Millisecond)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 20)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("NATS.URL", "nats://127.0.0.1:4222")
	v.SetDefault("NATS.STREAM", "TRADES")
	v.SetDefault("NATS.SUBJECT", "trades.completed.>")
	v.SetDefault("NATS.CONSUMER_NAME", "competition-attribution")
	v.SetDefault("LEDGER.LOCK_TIMEOUT", 5*time.Second)
	v.SetDefault("LEDGER.LOCK_TTL", 30*time.Second)
	v.SetDefault("LEDGER.REFERRAL_UPLIFT_PERCENT", 10)
	v.SetDefault("LEADERBOARD.STORE", "redis")
	v.SetDefault("LEADERBOARD.CACHE_TTL", 5*time.Minute)
	v.SetDefault("LEADERBOARD.REFRESH_INTERVAL", 5*time.Minute)
	v.SetDefault("LEADERBOARD.DEFAULT_LIMIT", 50)
	v.SetDefault("LEADERBOARD.GLOBAL_LIMIT", 100)
	v.SetDefault("LOCK.BACKEND", "redis")
	v.SetDefault("ATTRIBUTION.TIMEOUT", 10*time.Second)
	v.SetDefault("SNOWFLAKE.NODE", 1)
}

// LoadConfig reads .env, then config.yaml from the working directory, then the environment.
// A missing config file is not fatal: defaults and env vars are enough to boot.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("failed to load .env", zap.Error(err))
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Error("failed to read config", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}
