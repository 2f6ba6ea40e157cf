package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8787" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8787")
	}
	if cfg.ElevenLabsVoiceID != "0FZiOcKjnEowx6MA1W5v" {
		t.Fatalf("ElevenLabsVoiceID = %q, want default voice", cfg.ElevenLabsVoiceID)
	}
	if cfg.ElevenLabsTTSModel != "eleven_v3" {
		t.Fatalf("ElevenLabsTTSModel = %q, want %q", cfg.ElevenLabsTTSModel, "eleven_v3")
	}
	if cfg.ProviderConfigured() {
		t.Fatalf("ProviderConfigured() = true without a key")
	}
	if cfg.ReplyLatency != 800*time.Millisecond {
		t.Fatalf("ReplyLatency = %v, want 800ms", cfg.ReplyLatency)
	}
	if cfg.S2SMaxUploadBytes != 5<<20 {
		t.Fatalf("S2SMaxUploadBytes = %d, want %d", cfg.S2SMaxUploadBytes, 5<<20)
	}
}

func TestLoadHonorsLegacyKeysAndPort(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ELEVEN_API_KEY", " secret ")
	t.Setenv("ELEVEN_VOICE_ID", "voice-legacy")
	t.Setenv("PORT", "9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ElevenLabsAPIKey != "secret" {
		t.Fatalf("ElevenLabsAPIKey = %q, want trimmed legacy key", cfg.ElevenLabsAPIKey)
	}
	if cfg.ElevenLabsVoiceID != "voice-legacy" {
		t.Fatalf("ElevenLabsVoiceID = %q, want %q", cfg.ElevenLabsVoiceID, "voice-legacy")
	}
	if cfg.BindAddr != ":9000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9000")
	}
}

func TestLoadRejectsHTTPReplyWithoutURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REPLY_MODE", "http")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for REPLY_MODE=http without REPLY_HTTP_URL")
	}
}

func TestLoadParsesCORSOrigins(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_CORS_ORIGINS", "http://localhost:5173, ,https://enroll.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("CORSOrigins = %v, want 2 entries", cfg.CORSOrigins)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"PORT",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_CORS_ORIGINS",
		"ELEVENLABS_API_KEY",
		"ELEVEN_API_KEY",
		"ELEVENLABS_VOICE_ID",
		"ELEVEN_VOICE_ID",
		"ELEVENLABS_BASE_URL",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_S2S_MODEL_ID",
		"ELEVENLABS_TIMEOUT",
		"S2S_MAX_UPLOAD_BYTES",
		"REPLY_MODE",
		"REPLY_HTTP_URL",
		"REPLY_LATENCY",
		"LOCAL_TTS_ENABLED",
		"LOCAL_TTS_LANGUAGE",
		"PREFS_DATABASE_URL",
		"PREFS_SQLITE_PATH",
		"STAGE_AUTO_ADVANCE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
