package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ent0n29/voiceenroll/internal/config"
	"github.com/ent0n29/voiceenroll/internal/conversation"
	"github.com/ent0n29/voiceenroll/internal/httpapi"
	"github.com/ent0n29/voiceenroll/internal/observability"
	"github.com/ent0n29/voiceenroll/internal/prefs"
	"github.com/ent0n29/voiceenroll/internal/provider"
	"github.com/ent0n29/voiceenroll/internal/reply"
	"github.com/ent0n29/voiceenroll/internal/session"
	"github.com/ent0n29/voiceenroll/internal/speech"
	"github.com/ent0n29/voiceenroll/internal/stage"
)

func main() {
	logger := observability.Logger()
	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("config error", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	prefsStore, err := prefs.NewStore(ctx, cfg.PrefsDatabaseURL, cfg.PrefsSQLitePath)
	if err != nil {
		fatal("preference store init failed", err)
	}
	defer prefsStore.Close()

	rules, err := stage.ParseRules(cfg.StageAutoAdvance)
	if err != nil {
		fatal("stage rules invalid", err)
	}

	replyGen, err := reply.NewGenerator(reply.Config{
		Mode:    cfg.ReplyMode,
		HTTPURL: cfg.ReplyHTTPURL,
	})
	if err != nil {
		fatal("reply generator init failed", err)
	}

	client := provider.NewClient(provider.Config{
		APIKey:         cfg.ElevenLabsAPIKey,
		BaseURL:        cfg.ElevenLabsBaseURL,
		DefaultVoiceID: cfg.ElevenLabsVoiceID,
		DefaultModel:   cfg.ElevenLabsTTSModel,
		S2SModel:       cfg.ElevenLabsS2SModel,
		Timeout:        cfg.ElevenLabsTimeout,
	})
	if !client.Configured() {
		logger.Warn("ELEVENLABS_API_KEY is not set; /tts, /voices and /s2s will answer 500")
	}

	remote := speech.NewRemoteOutput(client, func(d time.Duration) {
		metrics.ObserveUpstream("conversation_tts", d)
	})

	var fallback speech.Output
	if cfg.LocalTTSEnabled {
		cacheDir := filepath.Join(os.TempDir(), "voiceenroll-tts")
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			logger.Warn("local tts cache unavailable; fallback disabled", "error", err)
		} else if local, err := speech.NewLocalOutput(speech.NewGoogleGenerator(cacheDir, cfg.LocalTTSLanguage)); err != nil {
			logger.Warn("local tts unavailable; fallback disabled", "error", err)
		} else {
			fallback = local
		}
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	timings := conversation.DefaultTimings()
	timings.ReplyLatency = cfg.ReplyLatency

	orchestrator := conversation.NewOrchestrator(conversation.Dependencies{
		Reply:    replyGen,
		Output:   remote,
		Fallback: fallback,
		Rules:    rules,
		Timings:  timings,
		DefaultVoice: prefs.VoiceSelection{
			VoiceID: client.DefaultVoiceID(),
			Model:   client.DefaultModel(),
		},
		Sessions: sessions,
		Prefs:    prefsStore,
		Metrics:  metrics,
		Logger:   logger,
	})

	api := httpapi.New(cfg, sessions, orchestrator, client, prefsStore, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server listening",
			"addr", cfg.BindAddr,
			"provider_configured", client.Configured(),
			"local_fallback", fallback != nil,
			"reply_mode", cfg.ReplyMode,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	orchestrator.Close(shutdownCtx)

	logger.Info("shutdown complete")
}
