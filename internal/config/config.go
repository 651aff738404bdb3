package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/congo-pay/card_issuer/internal/money"
)

const (
	defaultAppName        = "CardIssuer"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultCurrency       = "EUR"
)

// Config captures application runtime configuration loaded from the environment
// and an optional .env file.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	MetricsEnabled bool
	// DefaultCurrency is used when an account is created without one.
	DefaultCurrency string

	Ledger  LedgerConfig
	Breaker BreakerConfig
}

// LedgerConfig tunes the transaction engine.
type LedgerConfig struct {
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	OpTimeout       time.Duration
	EnforceCurrency bool
	PageSize        int
}

// BreakerConfig tunes the circuit breaker in front of the Postgres store.
type BreakerConfig struct {
	Failures    uint32
	OpenTimeout time.Duration
}

// Load reads configuration values and validates them. Development environments
// may omit DATABASE_URL and REDIS_URL; the service then runs in memory.
func Load() (Config, error) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("APP_NAME", defaultAppName)
	v.SetDefault("APP_ENV", defaultAppEnv)
	v.SetDefault("PORT", defaultPort)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("SHUTDOWN_TIMEOUT", defaultShutdownDelay.String())
	v.SetDefault("IDEMPOTENCY_TTL", defaultIdempotencyTTL.String())
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("DEFAULT_CURRENCY", defaultCurrency)
	v.SetDefault("LEDGER_MAX_ATTEMPTS", 5)
	v.SetDefault("LEDGER_RETRY_BASE_DELAY", "10ms")
	v.SetDefault("LEDGER_RETRY_MAX_DELAY", "250ms")
	v.SetDefault("LEDGER_OP_TIMEOUT", "5s")
	v.SetDefault("LEDGER_ENFORCE_CURRENCY", true)
	v.SetDefault("LEDGER_PAGE_SIZE", 100)
	v.SetDefault("BREAKER_FAILURES", 5)
	v.SetDefault("BREAKER_OPEN_TIMEOUT", "30s")
	v.AutomaticEnv()

	cfg := Config{
		AppName:         v.GetString("APP_NAME"),
		AppEnv:          strings.ToLower(v.GetString("APP_ENV")),
		Port:            v.GetString("PORT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		RedisURL:        v.GetString("REDIS_URL"),
		MetricsEnabled:  v.GetBool("METRICS_ENABLED"),
		DefaultCurrency: strings.ToUpper(v.GetString("DEFAULT_CURRENCY")),
		Ledger: LedgerConfig{
			MaxAttempts:     v.GetInt("LEDGER_MAX_ATTEMPTS"),
			EnforceCurrency: v.GetBool("LEDGER_ENFORCE_CURRENCY"),
			PageSize:        v.GetInt("LEDGER_PAGE_SIZE"),
		},
		Breaker: BreakerConfig{
			Failures: v.GetUint32("BREAKER_FAILURES"),
		},
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
		{"LEDGER_RETRY_BASE_DELAY", &cfg.Ledger.RetryBaseDelay},
		{"LEDGER_RETRY_MAX_DELAY", &cfg.Ledger.RetryMaxDelay},
		{"LEDGER_OP_TIMEOUT", &cfg.Ledger.OpTimeout},
		{"BREAKER_OPEN_TIMEOUT", &cfg.Breaker.OpenTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Ledger.PageSize < 1 {
		return fmt.Errorf("LEDGER_PAGE_SIZE must be at least 1")
	}
	if c.Ledger.RetryMaxDelay < c.Ledger.RetryBaseDelay {
		return fmt.Errorf("LEDGER_RETRY_MAX_DELAY must not be below LEDGER_RETRY_BASE_DELAY")
	}
	if !money.ValidCurrency(c.DefaultCurrency) {
		return fmt.Errorf("DEFAULT_CURRENCY %q is not an ISO 4217 code", c.DefaultCurrency)
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	return nil
}

// IsDev reports whether the service may fall back to in-memory backends.
func (c Config) IsDev() bool {
	switch c.AppEnv {
	case "development", "dev", "local":
		return true
	}
	return false
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
