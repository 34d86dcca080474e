package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/exchange")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want 8080", cfg.Port)
	}
	if cfg.FeePercent != 15 {
		t.Errorf("FeePercent = %d, want 15", cfg.FeePercent)
	}
	if cfg.HandlerTimeout != 30*time.Second {
		t.Errorf("HandlerTimeout = %v, want 30s", cfg.HandlerTimeout)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d, want 1MiB", cfg.MaxBodyBytes)
	}
}

func TestLoadRejectsBadFee(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/exchange")
	t.Setenv("PLATFORM_FEE_PERCENT", "101")
	if _, err := Load(); err == nil {
		t.Fatal("fee over 100 accepted")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "placeholder") // restores the var afterwards
	os.Unsetenv("DATABASE_URL")
	if _, err := Load(); err == nil {
		t.Fatal("missing DATABASE_URL accepted")
	}
}
