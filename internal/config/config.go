// Package config loads runtime configuration from the environment. A .env file
// in the working directory, when present, is applied first; variables already
// set in the process environment take precedence over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration for every subcommand.
type Config struct {
	HTTP       HTTPConfig
	WS         WSConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	NATS       NATSConfig
	Matching   MatchingConfig
	Relay      RelayConfig
	Moderation ModerationConfig
	Log        LogConfig
}

type HTTPConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"http://localhost:9002"`
	Mode       string `env:"GIN_MODE" envDefault:"release"`
}

// WSConfig tunes the epoll WebSocket server.
type WSConfig struct {
	ListenAddr     string        `env:"WS_LISTEN_ADDR" envDefault:":8081"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
}

// RedisConfig selects the Redis backend. An empty Addr keeps user sessions in
// memory and disables rate limiting and bans.
type RedisConfig struct {
	Addr string `env:"REDIS_ADDR"`
	DB   int    `env:"REDIS_DB" envDefault:"0"`
}

// DatabaseConfig selects the Postgres backend. An empty URL keeps
// conversations, messages, blocks and reports in memory.
type DatabaseConfig struct {
	URL          string `env:"DATABASE_URL"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"20"`
	AutoMigrate  bool   `env:"DATABASE_AUTO_MIGRATE" envDefault:"true"`
}

// NATSConfig selects the NATS server. An empty URL disables the minor
// classifier and cross-process event publishing.
type NATSConfig struct {
	URL  string `env:"NATS_URL"`
	Name string `env:"NATS_CLIENT_NAME" envDefault:"anonyconnect"`
}

type MatchingConfig struct {
	WaitMode        string        `env:"MATCH_WAIT_MODE" envDefault:"push"`
	PollInterval    time.Duration `env:"MATCH_POLL_INTERVAL" envDefault:"2s"`
	CleanupInterval time.Duration `env:"MATCH_CLEANUP_INTERVAL" envDefault:"5s"`
	MaxWait         time.Duration `env:"MATCH_MAX_WAIT" envDefault:"30s"`
}

type RelayConfig struct {
	DisconnectGrace time.Duration `env:"DISCONNECT_GRACE" envDefault:"15s"`
}

type ModerationConfig struct {
	WordList          string        `env:"MODERATION_WORDLIST"`
	ClassifierTimeout time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"5s"`
}

type LogConfig struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	Format     string `env:"LOG_FORMAT" envDefault:"console"`
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"30"`
}

// Load applies the optional dotenv files and parses the environment into a
// Config. Missing dotenv files are not an error.
func Load(dotenv ...string) (Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load dotenv: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would leave a component unusable.
func (c Config) Validate() error {
	switch c.Matching.WaitMode {
	case "push", "poll":
	default:
		return fmt.Errorf("config: MATCH_WAIT_MODE must be push or poll, got %q", c.Matching.WaitMode)
	}
	if c.Matching.PollInterval <= 0 {
		return fmt.Errorf("config: MATCH_POLL_INTERVAL must be positive")
	}
	if c.Relay.DisconnectGrace < 0 {
		return fmt.Errorf("config: DISCONNECT_GRACE must not be negative")
	}
	if c.WS.WorkerPoolSize <= 0 || c.WS.MaxConnections <= 0 {
		return fmt.Errorf("config: WORKER_POOL_SIZE and MAX_CONNECTIONS must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be console or json, got %q", c.Log.Format)
	}
	return nil
}
