package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vrchat-backend/internal/logx"
)

const (
	// ICEGatheringTimeout bounds how long a voice client waits for ICE
	// gathering before sending its offer with whatever candidates it has.
	ICEGatheringTimeout = 4 * time.Second
	// UpstreamTimeout is applied to the streaming relay call. Zero means no
	// timeout: a hung provider blocks only the caller waiting on it.
	UpstreamTimeout time.Duration = 0

	DefaultTextModel      = "gpt-4o-mini"
	DefaultAssistantModel = "gpt-4o-mini"
	DefaultRealtimeModel  = "gpt-4o-realtime-preview"
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultRealtimeURL    = "wss://api.openai.com/v1/realtime"
)

type Config struct {
	Port          string
	AllowedOrigin string
	// Provider
	BaseURL         string
	UpstreamTimeout time.Duration
	// VR assistant
	AssistantPromptFile string
	// Spreadsheet listings
	SheetID  string
	SheetGID int
	// SheetURL overrides the URL derived from SheetID and SheetGID.
	SheetURL     string
	ListingsTTL  time.Duration
	RedisURL     string
	SnapshotFile string
	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the environment into a Config. Logging is configured first so
// warnings about the rest of the environment honour LOG_LEVEL and LOG_FORMAT.
func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		LogLevel:  getEnvDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvDefault("LOG_FORMAT", "json"),
	}
	if getEnvBoolDefault("DEBUG", false) {
		cfg.LogLevel = "debug"
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)

	cfg.Port = getEnvDefault("PORT", "8080")
	cfg.AllowedOrigin = getEnvDefault("ALLOWED_ORIGIN", "*")
	cfg.BaseURL = strings.TrimRight(getEnvDefault("OPENAI_BASE_URL", DefaultBaseURL), "/")
	cfg.UpstreamTimeout = getEnvDurationDefault("UPSTREAM_TIMEOUT", UpstreamTimeout)
	cfg.AssistantPromptFile = getEnvDefault("ASSISTANT_PROMPT_FILE", "./prompts/assistant.yaml")
	cfg.SheetID = getEnvDefault("SHEET_ID", "1fy-ZztZlhwgfz1wH8YGji2zuiiEfV88XyCRBDzLB1AA")
	cfg.SheetGID = getEnvIntDefault("SHEET_GID", 9)
	cfg.SheetURL = os.Getenv("SHEET_URL")
	cfg.ListingsTTL = getEnvDurationDefault("LISTINGS_TTL", 5*time.Minute)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.SnapshotFile = getEnvDefault("LISTINGS_SNAPSHOT_FILE", "data/listings.json")

	if (Env{}).APIKey() == "" {
		logx.Log.Warn().Msg("OPENAI_API_KEY is not set; provider calls will fail until provided")
	}
	return cfg
}

// Env resolves provider settings from the process environment on every call,
// so a credential supplied after startup takes effect without a restart.
type Env struct{}

func (Env) APIKey() string {
	return firstEnv("OPENAI_API_KEY", "OPENAI_KEY", "OPENAI_SECRET")
}

func (Env) TextModel() string {
	if v := firstEnv("OPENAI_MODEL_TEXT", "OPENAI_MODEL"); v != "" {
		return v
	}
	return DefaultTextModel
}

func (Env) AssistantModel() string {
	return getEnvDefault("OPENAI_MODEL_ASSISTANT", DefaultAssistantModel)
}

func (Env) RealtimeModel() string {
	return getEnvDefault("OPENAI_MODEL_REALTIME", DefaultRealtimeModel)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		logx.Log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid integer")
	}
	return def
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		logx.Log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid duration")
	}
	return def
}

func getEnvBoolDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}
