// Package config defines the arena configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config is the root configuration. Fields are decoded from TOML over
// Defaults and then overridden by ARENA_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Price      PriceConfig      `toml:"price"`
	Settlement SettlementConfig `toml:"settlement"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
}

// Run modes.
const (
	ModeFull      = "full"
	ModeServer    = "server"
	ModeScheduler = "scheduler"
)

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	MaxRoundLength  duration `toml:"max_round_length"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// StorageConfig selects the store implementation.
type StorageConfig struct {
	Driver     string `toml:"driver"`
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	MaxConnIdle   duration `toml:"max_conn_idle"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, the arena
// runs single-instance with in-process pub/sub and rate limiting.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	URL        string   `toml:"url"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds object storage parameters for the round archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	BatchSize      int    `toml:"batch_size"`
}

// PriceConfig configures the reference price.
type PriceConfig struct {
	Source            string   `toml:"source"`
	Endpoint          string   `toml:"endpoint"`
	Symbol            string   `toml:"symbol"`
	PollInterval      duration `toml:"poll_interval"`
	MaxAge            duration `toml:"max_age"`
	RequestTimeout    duration `toml:"request_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Retries           int      `toml:"retries"`
}

// SettlementConfig selects and configures the settlement gateway.
type SettlementConfig struct {
	Gateway        string   `toml:"gateway"`
	RPCURL         string   `toml:"rpc_url"`
	Contract       string   `toml:"contract"`
	ChainID        int64    `toml:"chain_id"`
	PrivateKey     string   `toml:"private_key"`
	KeyFile        string   `toml:"key_file"`
	KeyPassword    string   `toml:"key_password"`
	FallbackGas    uint64   `toml:"fallback_gas"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
	Retries        int      `toml:"retries"`
	RetryBase      duration `toml:"retry_base"`
}

// SchedulerConfig configures round automation.
type SchedulerConfig struct {
	Enabled             bool     `toml:"enabled"`
	Modes               []string `toml:"modes"`
	RoundDuration       duration `toml:"round_duration"`
	CreateSpec          string   `toml:"create_spec"`
	LockSpec            string   `toml:"lock_spec"`
	ResolveSpec         string   `toml:"resolve_spec"`
	ArchiveSpec         string   `toml:"archive_spec"`
	StabilizationBuffer duration `toml:"stabilization_buffer"`
	ArchiveRetention    duration `toml:"archive_retention"`
	TickTimeout         duration `toml:"tick_timeout"`
	LockTTL             duration `toml:"lock_ttl"`
	RangeBands          int      `toml:"range_bands"`
	RangeWidthBps       int      `toml:"range_width_bps"`
}

// duration decodes TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) duration { return duration{Duration: d} }

// Defaults returns a Config that runs one self-contained instance on
// SQLite with a no-op gateway.
func Defaults() Config {
	return Config{
		Mode:     ModeFull,
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       120,
			RateLimitWindow: dur(time.Minute),
			ReadTimeout:     dur(15 * time.Second),
			WriteTimeout:    dur(30 * time.Second),
			MaxRoundLength:  dur(24 * time.Hour),
			ShutdownTimeout: dur(15 * time.Second),
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "arena.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arena",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			MaxConnIdle:   dur(5 * time.Minute),
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			PriceTTL:   dur(5 * time.Minute),
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arena-archive",
			ForcePathStyle: true,
			BatchSize:      200,
		},
		Price: PriceConfig{
			Source:            "http",
			Endpoint:          "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT",
			Symbol:            "BTCUSDT",
			PollInterval:      dur(5 * time.Second),
			MaxAge:            dur(30 * time.Second),
			RequestTimeout:    dur(5 * time.Second),
			RequestsPerSecond: 2,
			Retries:           3,
		},
		Settlement: SettlementConfig{
			Gateway:        "noop",
			FallbackGas:    250_000,
			ReceiptTimeout: dur(60 * time.Second),
			Retries:        3,
			RetryBase:      dur(500 * time.Millisecond),
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			Modes:               []string{"BINARY", "RANGE"},
			RoundDuration:       dur(5 * time.Minute),
			CreateSpec:          "*/5 * * * * *",
			LockSpec:            "*/5 * * * * *",
			ResolveSpec:         "*/5 * * * * *",
			ArchiveSpec:         "0 0 * * * *",
			StabilizationBuffer: dur(15 * time.Second),
			ArchiveRetention:    dur(7 * 24 * time.Hour),
			TickTimeout:         dur(30 * time.Second),
			LockTTL:             dur(30 * time.Second),
			RangeBands:          5,
			RangeWidthBps:       20,
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid or missing value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch strings.ToLower(c.Mode) {
	case ModeFull, ModeServer, ModeScheduler:
	default:
		add("unknown mode %q (valid: full, server, scheduler)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server: addr %q: %v", c.Server.Addr, err)
	}
	if c.Server.RateLimit < 0 {
		add("server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
		add("server: rate_limit_window must be positive when rate_limit is set")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			add("storage: sqlite_path must not be empty")
		}
		if c.Mode != ModeFull {
			add("storage: sqlite only supports mode %q", ModeFull)
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		add("storage: unknown driver %q (valid: sqlite, postgres)", c.Storage.Driver)
	}

	if c.Redis.Enabled && c.Redis.URL == "" && c.Redis.Addr == "" {
		add("redis: addr or url must be set when enabled")
	}
	if c.Mode != ModeFull && !c.Redis.Enabled {
		add("redis: must be enabled for mode %q so replicas share events and locks", c.Mode)
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	switch c.Price.Source {
	case "http":
		if c.Price.Endpoint == "" {
			add("price: endpoint must not be empty for source http")
		}
	case "cache":
		if !c.Redis.Enabled {
			add("price: source cache requires redis")
		}
	default:
		add("price: unknown source %q (valid: http, cache)", c.Price.Source)
	}
	if c.Price.Symbol == "" {
		add("price: symbol must not be empty")
	}
	if c.Price.MaxAge.Duration <= 0 {
		add("price: max_age must be positive")
	}

	switch c.Settlement.Gateway {
	case "noop":
	case "evm":
		if c.Settlement.RPCURL == "" {
			add("settlement: rpc_url is required for the evm gateway")
		}
		if c.Settlement.Contract == "" {
			add("settlement: contract is required for the evm gateway")
		}
		if c.Settlement.ChainID <= 0 {
			add("settlement: chain_id must be positive")
		}
		if c.Settlement.PrivateKey == "" && c.Settlement.KeyFile == "" {
			add("settlement: private_key or key_file is required for the evm gateway")
		}
		if c.Settlement.KeyFile != "" && c.Settlement.KeyPassword == "" {
			add("settlement: key_password is required with key_file")
		}
	default:
		add("settlement: unknown gateway %q (valid: noop, evm)", c.Settlement.Gateway)
	}

	if c.Scheduler.Enabled {
		if len(c.Scheduler.Modes) == 0 {
			add("scheduler: modes must not be empty")
		}
		for _, m := range c.Scheduler.Modes {
			switch strings.ToUpper(m) {
			case "BINARY", "RANGE":
			default:
				add("scheduler: unknown mode %q", m)
			}
		}
		if c.Scheduler.RoundDuration.Duration <= 0 {
			add("scheduler: round_duration must be positive")
		}
		if c.Scheduler.StabilizationBuffer.Duration < 0 {
			add("scheduler: stabilization_buffer must be >= 0")
		}
		if c.Scheduler.StabilizationBuffer.Duration >= c.Price.MaxAge.Duration+c.Scheduler.RoundDuration.Duration {
			add("scheduler: stabilization_buffer is longer than a round plus price max_age")
		}
	}
	if c.Scheduler.RangeBands < 1 {
		add("scheduler: range_bands must be >= 1")
	}
	if c.Scheduler.RangeWidthBps < 1 {
		add("scheduler: range_width_bps must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// RoundLength returns the upper bound for admin-created rounds.
func (c *Config) RoundLength() time.Duration { return c.Server.MaxRoundLength.Duration }
