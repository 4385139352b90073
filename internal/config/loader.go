package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, then applies ARENA_*
// environment overrides (including any from a .env file in the working
// directory). An empty path skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose ARENA_* variable is non-empty.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "ARENA_MODE")
	setStr(&cfg.LogLevel, "ARENA_LOG_LEVEL")

	// ── Server ──
	setStr(&cfg.Server.Addr, "ARENA_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "ARENA_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "ARENA_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "ARENA_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "ARENA_SERVER_RATE_LIMIT_WINDOW")
	setDuration(&cfg.Server.ReadTimeout, "ARENA_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ARENA_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.MaxRoundLength, "ARENA_SERVER_MAX_ROUND_LENGTH")
	setDuration(&cfg.Server.ShutdownTimeout, "ARENA_SERVER_SHUTDOWN_TIMEOUT")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "ARENA_STORAGE_DRIVER")
	setStr(&cfg.Storage.SQLitePath, "ARENA_STORAGE_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.DSN, "ARENA_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARENA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARENA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARENA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARENA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARENA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARENA_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARENA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARENA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARENA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARENA_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "ARENA_REDIS_URL")
	setStr(&cfg.Redis.Addr, "ARENA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARENA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARENA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARENA_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ARENA_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "ARENA_REDIS_PRICE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARENA_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARENA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARENA_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARENA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARENA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARENA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARENA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARENA_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.BatchSize, "ARENA_S3_BATCH_SIZE")

	// ── Price ──
	setStr(&cfg.Price.Source, "ARENA_PRICE_SOURCE")
	setStr(&cfg.Price.Endpoint, "ARENA_PRICE_ENDPOINT")
	setStr(&cfg.Price.Symbol, "ARENA_PRICE_SYMBOL")
	setDuration(&cfg.Price.PollInterval, "ARENA_PRICE_POLL_INTERVAL")
	setDuration(&cfg.Price.MaxAge, "ARENA_PRICE_MAX_AGE")
	setFloat64(&cfg.Price.RequestsPerSecond, "ARENA_PRICE_REQUESTS_PER_SECOND")

	// ── Settlement ──
	setStr(&cfg.Settlement.Gateway, "ARENA_SETTLEMENT_GATEWAY")
	setStr(&cfg.Settlement.RPCURL, "ARENA_SETTLEMENT_RPC_URL")
	setStr(&cfg.Settlement.Contract, "ARENA_SETTLEMENT_CONTRACT")
	setInt64(&cfg.Settlement.ChainID, "ARENA_SETTLEMENT_CHAIN_ID")
	setStr(&cfg.Settlement.PrivateKey, "ARENA_SETTLEMENT_PRIVATE_KEY")
	setStr(&cfg.Settlement.KeyFile, "ARENA_SETTLEMENT_KEY_FILE")
	setStr(&cfg.Settlement.KeyPassword, "ARENA_SETTLEMENT_KEY_PASSWORD")
	setUint64(&cfg.Settlement.FallbackGas, "ARENA_SETTLEMENT_FALLBACK_GAS")
	setInt(&cfg.Settlement.Retries, "ARENA_SETTLEMENT_RETRIES")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "ARENA_SCHEDULER_ENABLED")
	setStringSlice(&cfg.Scheduler.Modes, "ARENA_SCHEDULER_MODES")
	setDuration(&cfg.Scheduler.RoundDuration, "ARENA_SCHEDULER_ROUND_DURATION")
	setDuration(&cfg.Scheduler.StabilizationBuffer, "ARENA_SCHEDULER_STABILIZATION_BUFFER")
	setDuration(&cfg.Scheduler.ArchiveRetention, "ARENA_SCHEDULER_ARCHIVE_RETENTION")
	setInt(&cfg.Scheduler.RangeBands, "ARENA_SCHEDULER_RANGE_BANDS")
	setInt(&cfg.Scheduler.RangeWidthBps, "ARENA_SCHEDULER_RANGE_WIDTH_BPS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
