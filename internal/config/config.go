package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName        = "btcledger"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// Ledger policy.
	LedgerIdempotencyWindow time.Duration
	NewAccountLock          time.Duration
	RelockAfterWithdrawal   bool
	RelockDuration          time.Duration
	ReservationTTL          time.Duration
	ReservationMaxTTL       time.Duration

	// Workers.
	SweepInterval     time.Duration
	ReconcileInterval time.Duration

	BTCNetwork           string
	StoreMaxRetries      int
	StoreRetryBase       time.Duration
	WithdrawalsPerMinute int
	RateCacheTTL         time.Duration
	StaticRates          string
}

// Load reads an optional .env file and then the environment. Variables that
// are already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv populates a Config from environment variables only.
func FromEnv() (Config, error) {
	cfg := Config{
		AppName:     getEnv("APP_NAME", defaultAppName),
		AppEnv:      getEnv("APP_ENV", defaultAppEnv),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:   strings.ToLower(getEnv("LOG_FORMAT", "json")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		BTCNetwork:  strings.ToLower(getEnv("BTC_NETWORK", "mainnet")),
		StaticRates: getEnv("STATIC_RATES", "BTC:USD=65000"),
	}

	var errs []error
	dur := func(key string, fallback time.Duration) time.Duration {
		d, err := getDuration(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	num := func(key string, fallback int) int {
		n, err := getInt(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	cfg.ShutdownPeriod = dur("SHUTDOWN_TIMEOUT", defaultShutdownDelay)
	cfg.IdempotencyTTL = dur("IDEMPOTENCY_TTL", defaultIdempotencyTTL)
	cfg.LedgerIdempotencyWindow = dur("LEDGER_IDEMPOTENCY_WINDOW", 24*time.Hour)
	cfg.NewAccountLock = dur("NEW_ACCOUNT_LOCK", 24*time.Hour)
	cfg.RelockDuration = dur("RELOCK_DURATION", 24*time.Hour)
	cfg.ReservationTTL = dur("RESERVATION_TTL", 5*time.Minute)
	cfg.ReservationMaxTTL = dur("RESERVATION_MAX_TTL", time.Hour)
	cfg.SweepInterval = dur("SWEEP_INTERVAL", 30*time.Second)
	cfg.ReconcileInterval = dur("RECONCILE_INTERVAL", 15*time.Minute)
	cfg.StoreRetryBase = dur("STORE_RETRY_BASE", 50*time.Millisecond)
	cfg.RateCacheTTL = dur("RATE_CACHE_TTL", time.Minute)
	cfg.StoreMaxRetries = num("STORE_MAX_RETRIES", 3)
	cfg.WithdrawalsPerMinute = num("WITHDRAWALS_PER_MINUTE", 5)

	if v := os.Getenv("RELOCK_AFTER_WITHDRAWAL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid RELOCK_AFTER_WITHDRAWAL: %w", err))
		}
		cfg.RelockAfterWithdrawal = b
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if cfg.NewAccountLock < 0 {
		return Config{}, fmt.Errorf("NEW_ACCOUNT_LOCK must not be negative")
	}
	if cfg.ReservationMaxTTL < cfg.ReservationTTL {
		return Config{}, fmt.Errorf("RESERVATION_MAX_TTL (%s) is shorter than RESERVATION_TTL (%s)", cfg.ReservationMaxTTL, cfg.ReservationTTL)
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// IsDev reports whether the service may run without Postgres and Redis.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts Go durations ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
