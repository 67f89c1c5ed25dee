// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Config is every setting the groupchat binaries read.
type Config struct {
	ListenAddr        string        `env:"LISTEN_ADDR,default=:8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE,default=256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS,default=100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT,default=10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	SendQueueSize     int           `env:"SEND_QUEUE_SIZE,default=256"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s"`

	StoreBackend string        `env:"STORE_BACKEND,default=redis"`
	RedisAddr    string        `env:"REDIS_ADDR,default=localhost:6379"`
	BadgerPath   string        `env:"BADGER_PATH"`
	Retention    time.Duration `env:"RETENTION,default=24h"`
	HistoryLimit int           `env:"HISTORY_LIMIT,default=100"`
	SweepCron    string        `env:"SWEEP_CRON,default=*/5 * * * *"`

	RemovalDelay    time.Duration `env:"REMOVAL_DELAY,default=30s"`
	ReportThreshold int           `env:"REPORT_THRESHOLD,default=1"`
	SpamFilter      bool          `env:"SPAM_FILTER,default=false"`
	PostRateLimit   int           `env:"POST_RATE_LIMIT,default=5"`
	PostRateWindow  time.Duration `env:"POST_RATE_WINDOW,default=10s"`

	NATSURL     string `env:"NATS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL,default=INFO"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", c.MaxConnections))
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("READ_TIMEOUT and WRITE_TIMEOUT must be positive"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize))
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		errs = append(errs, errors.New("heartbeat durations must not be negative"))
	}
	switch c.StoreBackend {
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	case BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendRedis, BackendBadger, c.StoreBackend))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("RETENTION must be positive, got %s", c.Retention))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("HISTORY_LIMIT must be positive, got %d", c.HistoryLimit))
	}
	if !gronx.IsValid(c.SweepCron) {
		errs = append(errs, fmt.Errorf("SWEEP_CRON is not a valid cron expression: %q", c.SweepCron))
	}
	if c.RemovalDelay <= 0 {
		errs = append(errs, fmt.Errorf("REMOVAL_DELAY must be positive, got %s", c.RemovalDelay))
	}
	if c.ReportThreshold <= 0 {
		errs = append(errs, fmt.Errorf("REPORT_THRESHOLD must be positive, got %d", c.ReportThreshold))
	}
	if c.PostRateLimit < 0 || (c.PostRateLimit > 0 && c.PostRateWindow <= 0) {
		errs = append(errs, errors.New("POST_RATE_LIMIT needs a positive POST_RATE_WINDOW"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR (any case) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// NewLogger returns a text logger on stdout at the configured level.
func (c Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

func (c Config) newLogger(w io.Writer) *slog.Logger {
	lvl, err := ParseLevel(c.LogLevel)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
