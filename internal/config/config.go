package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the enrollment voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	CORSOrigins    []string

	ElevenLabsAPIKey   string
	ElevenLabsBaseURL  string
	ElevenLabsVoiceID  string
	ElevenLabsTTSModel string
	ElevenLabsS2SModel string
	ElevenLabsTimeout  time.Duration
	S2SMaxUploadBytes  int

	ReplyMode    string
	ReplyHTTPURL string
	ReplyLatency time.Duration

	LocalTTSEnabled  bool
	LocalTTSLanguage string

	PrefsDatabaseURL string
	PrefsSQLitePath  string

	// StageAutoAdvance is the raw per-stage rule list, e.g. "1:first,2:never".
	StageAutoAdvance string
}

// Load reads a .env file when present, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	// Missing .env is the normal case in containers.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         bindAddr(),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voiceenroll"),
		AllowAnyOrigin:   false,
		CORSOrigins:      splitList(os.Getenv("APP_CORS_ORIGINS")),
		ElevenLabsAPIKey: firstNonEmpty(stringsTrimSpace("ELEVENLABS_API_KEY"), stringsTrimSpace("ELEVEN_API_KEY")),
		// Default voice is Laila; ELEVEN_VOICE_ID is honored for older .env files.
		ElevenLabsVoiceID:  firstNonEmpty(stringsTrimSpace("ELEVENLABS_VOICE_ID"), stringsTrimSpace("ELEVEN_VOICE_ID"), "0FZiOcKjnEowx6MA1W5v"),
		ElevenLabsBaseURL:  envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsTTSModel: envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_v3"),
		ElevenLabsS2SModel: envOrDefault("ELEVENLABS_S2S_MODEL_ID", "eleven_english_sts_v2"),
		ElevenLabsTimeout:  30 * time.Second,
		S2SMaxUploadBytes:  5 << 20,
		ReplyMode:          envOrDefault("REPLY_MODE", "template"),
		ReplyHTTPURL:       stringsTrimSpace("REPLY_HTTP_URL"),
		ReplyLatency:       800 * time.Millisecond,
		LocalTTSEnabled:    true,
		LocalTTSLanguage:   envOrDefault("LOCAL_TTS_LANGUAGE", "en"),
		PrefsDatabaseURL:   stringsTrimSpace("PREFS_DATABASE_URL"),
		PrefsSQLitePath:    stringsTrimSpace("PREFS_SQLITE_PATH"),
		StageAutoAdvance:   envOrDefault("STAGE_AUTO_ADVANCE", "1:first"),
		ShutdownTimeout:    15 * time.Second,
		// Browser sessions are long-lived; the user may read the fee breakdown for a while.
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ElevenLabsTimeout, err = durationFromEnv("ELEVENLABS_TIMEOUT", cfg.ElevenLabsTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyLatency, err = durationFromEnv("REPLY_LATENCY", cfg.ReplyLatency)
	if err != nil {
		return Config{}, err
	}
	cfg.S2SMaxUploadBytes, err = intFromEnv("S2S_MAX_UPLOAD_BYTES", cfg.S2SMaxUploadBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalTTSEnabled, err = boolFromEnv("LOCAL_TTS_ENABLED", cfg.LocalTTSEnabled)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ElevenLabsTimeout <= 0 {
		return Config{}, fmt.Errorf("ELEVENLABS_TIMEOUT must be positive")
	}
	if cfg.S2SMaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("S2S_MAX_UPLOAD_BYTES must be positive")
	}
	if cfg.ReplyLatency < 0 {
		return Config{}, fmt.Errorf("REPLY_LATENCY must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ReplyMode)) {
	case "template":
	case "http":
		if cfg.ReplyHTTPURL == "" {
			return Config{}, fmt.Errorf("REPLY_HTTP_URL is required when REPLY_MODE=http")
		}
	default:
		return Config{}, fmt.Errorf("invalid REPLY_MODE: %q (expected template|http)", cfg.ReplyMode)
	}

	return cfg, nil
}

// ProviderConfigured reports whether the TTS provider credential is present.
func (c Config) ProviderConfigured() bool {
	return strings.TrimSpace(c.ElevenLabsAPIKey) != ""
}

// bindAddr keeps PORT working for platforms that only inject a port number.
func bindAddr() string {
	if v := stringsTrimSpace("APP_BIND_ADDR"); v != "" {
		return v
	}
	if port := stringsTrimSpace("PORT"); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return ":8787"
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
