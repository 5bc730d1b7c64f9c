package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/booking-settlement/internal/settlement"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_NAME", "settlement")
	t.Setenv("STRIPE_SECRET", "sk_test_123")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != "8080" || cfg.Currency != "USD" || cfg.TransferListLimit != 20 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.MinWithdrawal.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("min withdrawal %s, want 10", cfg.MinWithdrawal)
	}
	if cfg.ResolveAfter != 12*time.Hour || cfg.RecencyWindow != 24*time.Hour || cfg.RunAllGap != time.Minute {
		t.Fatalf("unexpected durations %+v", cfg)
	}

	opts := cfg.SettlementOptions()
	if opts.Currency != "USD" || opts.ResolveAfter != 12*time.Hour || opts.NotificationSource != "settlement" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SETTLEMENT_CURRENCY", "eur")
	t.Setenv("WITHDRAWAL_MIN_BALANCE", "25.50")
	t.Setenv("RESOLVE_AFTER", "6h")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Currency != "EUR" {
		t.Fatalf("currency %q, want EUR", cfg.Currency)
	}
	if !cfg.MinWithdrawal.Equal(decimal.RequireFromString("25.5")) {
		t.Fatalf("min withdrawal %s", cfg.MinWithdrawal)
	}
	if cfg.ResolveAfter != 6*time.Hour {
		t.Fatalf("resolve after %s", cfg.ResolveAfter)
	}
	if got := cfg.Redis.Address(); got != "cache:6380" {
		t.Fatalf("redis address %q", got)
	}
}

func TestFromEnvErrors(t *testing.T) {
	t.Run("missing required", func(t *testing.T) {
		t.Setenv("DB_USER", "app")
		t.Setenv("DB_NAME", "settlement")
		t.Setenv("STRIPE_SECRET", "")
		os.Unsetenv("STRIPE_SECRET")
		if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "STRIPE_SECRET") {
			t.Fatalf("expected STRIPE_SECRET error, got %v", err)
		}
	})
	t.Run("invalid values", func(t *testing.T) {
		setRequired(t)
		t.Setenv("SETTLEMENT_CURRENCY", "DOLLARS")
		t.Setenv("WITHDRAWAL_LIST_LIMIT", "0")
		_, err := FromEnv()
		if err == nil {
			t.Fatalf("expected validation error")
		}
		for _, key := range []string{"SETTLEMENT_CURRENCY", "WITHDRAWAL_LIST_LIMIT"} {
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("error %q does not mention %s", err, key)
			}
		}
	})
}

func TestRedisDisabledWithoutAddress(t *testing.T) {
	if c := NewRedisClient(RedisConfig{}); c != nil {
		t.Fatalf("expected nil client when Redis is not configured")
	}
}

func TestLoadSchedule(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		s, err := LoadSchedule("")
		if err != nil {
			t.Fatalf("LoadSchedule: %v", err)
		}
		if got := s.Stages[settlement.StageResolve].Spec; got != "15 1 * * *" {
			t.Fatalf("resolve spec %q", got)
		}
		if len(s.Names()) != 4 {
			t.Fatalf("expected four stages, got %v", s.Names())
		}
	})

	t.Run("overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schedule.yaml")
		data := "timezone: Europe/Berlin\nstages:\n  process-refunds:\n    spec: \"*/30 * * * *\"\n  wallet-withdrawals:\n    disabled: true\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		s, err := LoadSchedule(path)
		if err != nil {
			t.Fatalf("LoadSchedule: %v", err)
		}
		if s.Stages[settlement.StageRefund].Spec != "*/30 * * * *" {
			t.Fatalf("refund spec not overridden: %+v", s.Stages)
		}
		if !s.Stages[settlement.StageWithdrawals].Disabled {
			t.Fatalf("withdrawals not disabled")
		}
		if s.Stages[settlement.StageSettle].Spec != "30 1 * * *" {
			t.Fatalf("untouched stage lost its default")
		}
		if s.Location().String() != "Europe/Berlin" {
			t.Fatalf("location %s", s.Location())
		}
	})

	t.Run("rejects bad entries", func(t *testing.T) {
		for name, body := range map[string]string{
			"unknown stage": "stages:\n  nightly-report:\n    spec: \"0 3 * * *\"\n",
			"bad spec":      "stages:\n  process-refunds:\n    spec: \"every night\"\n",
			"bad yaml":      "stages: [",
		} {
			path := filepath.Join(t.TempDir(), "schedule.yaml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadSchedule(path); err == nil {
				t.Fatalf("%s: expected error", name)
			}
		}
	})
}
