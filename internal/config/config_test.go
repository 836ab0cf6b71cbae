package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "OPENAI_KEY", "OPENAI_SECRET",
		"OPENAI_MODEL_TEXT", "OPENAI_MODEL", "OPENAI_MODEL_ASSISTANT", "OPENAI_MODEL_REALTIME",
	} {
		t.Setenv(k, "")
	}
}

func TestAPIKeyFallbacks(t *testing.T) {
	clearProviderEnv(t)
	if got := (Env{}).APIKey(); got != "" {
		t.Fatalf("APIKey with nothing set = %q", got)
	}
	t.Setenv("OPENAI_SECRET", "  secret  ")
	if got := (Env{}).APIKey(); got != "secret" {
		t.Fatalf("APIKey = %q; want trimmed OPENAI_SECRET", got)
	}
	t.Setenv("OPENAI_KEY", "key")
	if got := (Env{}).APIKey(); got != "key" {
		t.Fatalf("APIKey = %q; want OPENAI_KEY", got)
	}
	t.Setenv("OPENAI_API_KEY", "api")
	if got := (Env{}).APIKey(); got != "api" {
		t.Fatalf("APIKey = %q; want OPENAI_API_KEY", got)
	}
	t.Setenv("OPENAI_API_KEY", "   ")
	if got := (Env{}).APIKey(); got != "key" {
		t.Fatalf("blank OPENAI_API_KEY should fall through, got %q", got)
	}
}

func TestModelFallbacks(t *testing.T) {
	clearProviderEnv(t)
	e := Env{}
	if e.TextModel() != DefaultTextModel || e.AssistantModel() != DefaultAssistantModel || e.RealtimeModel() != DefaultRealtimeModel {
		t.Fatalf("defaults: %q %q %q", e.TextModel(), e.AssistantModel(), e.RealtimeModel())
	}
	t.Setenv("OPENAI_MODEL", "generic")
	if e.TextModel() != "generic" {
		t.Fatalf("TextModel = %q; want OPENAI_MODEL", e.TextModel())
	}
	t.Setenv("OPENAI_MODEL_TEXT", "text")
	t.Setenv("OPENAI_MODEL_ASSISTANT", "assist")
	t.Setenv("OPENAI_MODEL_REALTIME", "rt")
	if e.TextModel() != "text" || e.AssistantModel() != "assist" || e.RealtimeModel() != "rt" {
		t.Fatalf("overrides: %q %q %q", e.TextModel(), e.AssistantModel(), e.RealtimeModel())
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"PORT", "ALLOWED_ORIGIN", "OPENAI_BASE_URL", "UPSTREAM_TIMEOUT", "SHEET_GID",
		"SHEET_URL", "LISTINGS_TTL", "REDIS_URL", "LOG_LEVEL", "DEBUG",
	} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.Port != "8080" || cfg.AllowedOrigin != "*" {
		t.Fatalf("port/origin: %q %q", cfg.Port, cfg.AllowedOrigin)
	}
	if cfg.BaseURL != DefaultBaseURL || cfg.UpstreamTimeout != 0 {
		t.Fatalf("provider: %q %v", cfg.BaseURL, cfg.UpstreamTimeout)
	}
	if cfg.SheetGID != 9 || cfg.ListingsTTL != 5*time.Minute || cfg.RedisURL != "" {
		t.Fatalf("listings: %d %v %q", cfg.SheetGID, cfg.ListingsTTL, cfg.RedisURL)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level %q", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	t.Setenv("OPENAI_BASE_URL", "http://localhost:9000/v1/")
	t.Setenv("UPSTREAM_TIMEOUT", "90s")
	t.Setenv("SHEET_GID", "12")
	t.Setenv("LISTINGS_TTL", "1m")
	t.Setenv("DEBUG", "yes")
	cfg := Load()
	if cfg.BaseURL != "http://localhost:9000/v1" {
		t.Fatalf("base url %q", cfg.BaseURL)
	}
	if cfg.UpstreamTimeout != 90*time.Second || cfg.SheetGID != 12 || cfg.ListingsTTL != time.Minute {
		t.Fatalf("parsed: %v %d %v", cfg.UpstreamTimeout, cfg.SheetGID, cfg.ListingsTTL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("DEBUG should force debug level, got %q", cfg.LogLevel)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("UPSTREAM_TIMEOUT", "soon")
	t.Setenv("SHEET_GID", "nine")
	t.Setenv("DEBUG", "maybe")
	t.Setenv("LOG_LEVEL", "")
	cfg := Load()
	if cfg.UpstreamTimeout != UpstreamTimeout || cfg.SheetGID != 9 {
		t.Fatalf("invalid values not ignored: %v %d", cfg.UpstreamTimeout, cfg.SheetGID)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unrecognised DEBUG changed level to %q", cfg.LogLevel)
	}
}

func TestLoadConfiguresLoggingBeforeWarnings(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	clearProviderEnv(t)
	t.Setenv("DEBUG", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "console")

	cfg := Load()
	if cfg.LogLevel != "error" || cfg.LogFormat != "console" {
		t.Fatalf("log settings %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if got := zerolog.GlobalLevel(); got != zerolog.ErrorLevel {
		t.Fatalf("global level %v after Load; want error", got)
	}
}
