package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadRequiresTursoTokenForLibsqlURLs(t *testing.T) {
	t.Setenv("DATABASE_URL", "libsql://chat.example.turso.io")
	t.Setenv("TURSO_AUTH_TOKEN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when TURSO_AUTH_TOKEN is missing for libsql URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:local.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Port != defaultPort {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.SessionTTL != defaultSessionTTLHours*time.Hour {
		t.Fatalf("unexpected session ttl: %s", cfg.SessionTTL)
	}
	if cfg.OpenRouterBaseURL != defaultOpenRouterBaseURL {
		t.Fatalf("unexpected openrouter base url: %s", cfg.OpenRouterBaseURL)
	}
	if cfg.OpenRouterDefaultModel != defaultDefaultModel {
		t.Fatalf("unexpected default model: %s", cfg.OpenRouterDefaultModel)
	}
	if len(cfg.AllowedOrigins) == 0 {
		t.Fatal("expected at least one allowed origin")
	}
	if cfg.ModelCacheTTL != defaultCatalogCacheSecs*time.Second {
		t.Fatalf("unexpected model cache ttl: %s", cfg.ModelCacheTTL)
	}
}

func TestLoadForcesSecureCookiesInProduction(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:local.db")
	t.Setenv("APP_ENV", "production")
	t.Setenv("COOKIE_SECURE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.CookieSecure {
		t.Fatal("expected secure cookies in production")
	}
}
