package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort              = "8080"
	defaultSessionCookieName = "t3chat_session"
	defaultSessionTTLHours   = 168
	defaultDefaultModel      = "google/gemma-2-9b-it:free"
	defaultFrontendOrigin    = "http://localhost:3000"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultCatalogCacheSecs  = 300
	defaultAppTitle          = "T3 Chat Clone"
)

type Config struct {
	Port                     string
	Environment              string
	FrontendOrigin           string
	AllowedOrigins           []string
	CookieSecure             bool
	SessionCookieName        string
	SessionTTL               time.Duration
	GoogleClientID           string
	InsecureSkipGoogleVerify bool
	DatabaseURL              string
	TursoAuthToken           string
	OpenRouterBaseURL        string
	OpenRouterDefaultModel   string
	AppTitle                 string
	GCSUploadBucket          string
	GCSUploadPrefix          string
	LocalUploadDir           string
	ModelCacheTTL            time.Duration
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func Load() (Config, error) {
	cfg := Config{
		Port:                     envOrDefault("PORT", defaultPort),
		Environment:              envOrDefault("APP_ENV", "development"),
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", defaultFrontendOrigin),
		CookieSecure:             boolOrDefault("COOKIE_SECURE", false),
		SessionCookieName:        envOrDefault("SESSION_COOKIE_NAME", defaultSessionCookieName),
		GoogleClientID:           strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		InsecureSkipGoogleVerify: boolOrDefault("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", false),
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		TursoAuthToken:           strings.TrimSpace(os.Getenv("TURSO_AUTH_TOKEN")),
		OpenRouterBaseURL:        envOrDefault("OPENROUTER_BASE_URL", defaultOpenRouterBaseURL),
		OpenRouterDefaultModel:   envOrDefault("OPENROUTER_DEFAULT_MODEL", defaultDefaultModel),
		AppTitle:                 envOrDefault("APP_TITLE", defaultAppTitle),
		GCSUploadBucket:          strings.TrimSpace(os.Getenv("GCS_UPLOAD_BUCKET")),
		GCSUploadPrefix:          envOrDefault("GCS_UPLOAD_PREFIX", "chat-uploads"),
		LocalUploadDir:           envOrDefault("LOCAL_UPLOAD_DIR", "/tmp/t3chat-uploads"),
	}

	if cfg.Environment == "production" {
		cfg.CookieSecure = true
	}

	sessionTTLHours := intOrDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)
	cfg.SessionTTL = time.Duration(sessionTTLHours) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}

	catalogCacheSecs := intOrDefault("MODEL_CACHE_TTL_SECONDS", defaultCatalogCacheSecs)
	if catalogCacheSecs < 0 {
		catalogCacheSecs = 0
	}
	cfg.ModelCacheTTL = time.Duration(catalogCacheSecs) * time.Second

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:5173"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.DatabaseURL, "libsql://") && cfg.TursoAuthToken == "" {
		return Config{}, errors.New("TURSO_AUTH_TOKEN is required for libsql:// URLs")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
