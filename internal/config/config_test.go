package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IFMIS_SIGNING_SECRET", "test-secret")
	t.Setenv("IFMIS_AUDIENCES", "https://finance.example.com,https://api.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("unexpected token ttl: %v", cfg.TokenTTL)
	}
	if cfg.MaxPasswordAge() != 100*24*time.Hour {
		t.Fatalf("unexpected max password age: %v", cfg.MaxPasswordAge())
	}
	if cfg.PasswordReuseWindow != 3 {
		t.Fatalf("unexpected reuse window: %d", cfg.PasswordReuseWindow)
	}
	if len(cfg.Audiences) != 2 || cfg.Audiences[1] != "https://api.example.com" {
		t.Fatalf("unexpected audiences: %v", cfg.Audiences)
	}
}

func TestLoadRequiresSigningKey(t *testing.T) {
	t.Setenv("IFMIS_SIGNING_SECRET", "")
	t.Setenv("IFMIS_SIGNING_KEY_PEM", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when no signing key is configured")
	}
}
