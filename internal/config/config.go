// Package config loads the process configuration from the environment
// (optionally seeded from a .env file) and the optional YAML schedule.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/booking-settlement/internal/settlement"
)

// Config holds all runtime configuration values.  Each field corresponds
// to an environment variable named in its tag.
type Config struct {
	Env  string `envconfig:"APP_ENV" default:"dev"`   // application environment (dev/test/prod)
	Port string `envconfig:"APP_PORT" default:"8080"` // HTTP port of the operational API

	DBUser string `envconfig:"DB_USER" required:"true"`
	DBPass string `envconfig:"DB_PASS"` // empty allowed
	DBHost string `envconfig:"DB_HOST" default:"127.0.0.1"`
	DBPort string `envconfig:"DB_PORT" default:"3306"`
	DBName string `envconfig:"DB_NAME" required:"true"`

	StripeSecret string `envconfig:"STRIPE_SECRET" required:"true"`

	Currency           string          `envconfig:"SETTLEMENT_CURRENCY" default:"USD"`
	MinWithdrawal      decimal.Decimal `envconfig:"WITHDRAWAL_MIN_BALANCE" default:"10.00"`
	RecencyWindow      time.Duration   `envconfig:"WITHDRAWAL_RECENCY_WINDOW" default:"24h"`
	TransferListLimit  int             `envconfig:"WITHDRAWAL_LIST_LIMIT" default:"20"`
	ResolveAfter       time.Duration   `envconfig:"RESOLVE_AFTER" default:"12h"`
	NotificationSource string          `envconfig:"NOTIFICATION_SOURCE" default:"settlement"`

	LogDir       string        `envconfig:"LOG_DIR" default:"./logs"`
	ScheduleFile string        `envconfig:"SCHEDULE_FILE"`
	RunAllGap    time.Duration `envconfig:"RUN_ALL_GAP" default:"1m"`

	AdminJWTSecret string        `envconfig:"ADMIN_JWT_SECRET"` // empty disables the trigger API
	RabbitURL      string        `envconfig:"RABBITMQ_URL"`     // empty disables event publishing
	LeaseTTL       time.Duration `envconfig:"STAGE_LEASE_TTL" default:"30m"`
	OTLPEndpoint   string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	TriggerRateLimit  int           `envconfig:"TRIGGER_RATE_LIMIT" default:"6"`
	TriggerRateWindow time.Duration `envconfig:"TRIGGER_RATE_WINDOW" default:"1m"`

	Redis RedisConfig `envconfig:"REDIS"`
}

// Load reads .env when present and then the environment.
func Load() (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the configuration from the environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_CURRENCY must be a 3-letter code, got %q", c.Currency))
	}
	if !c.MinWithdrawal.IsPositive() {
		errs = append(errs, errors.New("WITHDRAWAL_MIN_BALANCE must be positive"))
	}
	if c.RecencyWindow <= 0 {
		errs = append(errs, errors.New("WITHDRAWAL_RECENCY_WINDOW must be positive"))
	}
	if c.TransferListLimit < 1 || c.TransferListLimit > 100 {
		errs = append(errs, fmt.Errorf("WITHDRAWAL_LIST_LIMIT must be within 1..100, got %d", c.TransferListLimit))
	}
	if c.TriggerRateLimit < 0 || c.TriggerRateWindow <= 0 {
		errs = append(errs, errors.New("TRIGGER_RATE_LIMIT must not be negative and TRIGGER_RATE_WINDOW must be positive"))
	}
	if c.ResolveAfter <= 0 {
		errs = append(errs, errors.New("RESOLVE_AFTER must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SettlementOptions maps the configuration onto stage options.
func (c Config) SettlementOptions() settlement.Options {
	return settlement.Options{
		Currency:           c.Currency,
		ResolveAfter:       c.ResolveAfter,
		MinWithdrawal:      c.MinWithdrawal,
		RecencyWindow:      c.RecencyWindow,
		TransferListLimit:  c.TransferListLimit,
		NotificationSource: c.NotificationSource,
	}
}
