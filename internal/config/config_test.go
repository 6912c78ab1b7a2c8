package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_DefaultsApply(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "PREMIUM_PLAN_AMOUNT_KOBO")
	unsetEnvWithCleanup(t, "RECONCILE_SWEEP_SCHEDULE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8084" {
		t.Fatalf("expected default ServerPort 8084, got %q", cfg.ServerPort)
	}
	if cfg.PremiumPlanAmountKobo != 500000 {
		t.Fatalf("expected default plan amount 500000, got %d", cfg.PremiumPlanAmountKobo)
	}
	if cfg.ReconcileSweepSchedule != "*/10 * * * *" {
		t.Fatalf("expected default sweep schedule, got %q", cfg.ReconcileSweepSchedule)
	}
	if cfg.PaystackAPIBaseURL != "https://api.paystack.co" {
		t.Fatalf("expected default gateway base URL, got %q", cfg.PaystackAPIBaseURL)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8084")
	setEnvWithCleanup(t, "PORT", "10000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "10000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_PublicBaseURLFallsBackToAppBaseURL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PUBLIC_BASE_URL")
	setEnvWithCleanup(t, "APP_BASE_URL", "https://app.example.com/")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.AppBaseURL != "https://app.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.AppBaseURL)
	}
	if cfg.PublicBaseURL != "https://app.example.com" {
		t.Fatalf("expected PublicBaseURL to fall back to AppBaseURL, got %q", cfg.PublicBaseURL)
	}
}

func TestLoadConfig_RedisURLReadFromCanonicalEnvOnly(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "REDIS_URL")
	setEnvWithCleanup(t, "BILLING_REDIS_URL", "redis://alias:6379")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("expected no undocumented alias to populate RedisURL, got %q", cfg.RedisURL)
	}

	setEnvWithCleanup(t, "REDIS_URL", "redis://localhost:6379")
	viper.Reset()
	cfg, err = LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Fatalf("expected REDIS_URL to populate RedisURL, got %q", cfg.RedisURL)
	}
}

func TestLoadConfig_NonPositivePlanAmountCoercedToDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PREMIUM_PLAN_AMOUNT_KOBO", "-100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PremiumPlanAmountKobo != 500000 {
		t.Fatalf("expected negative plan amount coerced to default, got %d", cfg.PremiumPlanAmountKobo)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
