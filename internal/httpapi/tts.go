package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voiceenroll/internal/provider"
	"github.com/ent0n29/voiceenroll/internal/reliability"
)

const maxTTSBodyBytes = 1 << 20

type ttsRequest struct {
	// Text stays untyped so a non-string value is a 400, not a decode error.
	Text    any    `json:"text"`
	VoiceID string `json:"voiceId"`
	Model   string `json:"model"`
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	const route = "tts"
	if !s.requireProvider(w, route) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxTTSBodyBytes)
	var req ttsRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.proxyError(w, route, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	text, ok := req.Text.(string)
	if !ok || strings.TrimSpace(text) == "" {
		s.proxyError(w, route, http.StatusBadRequest, "bad_request", "Missing text")
		return
	}

	s.synthesize(w, r, route, provider.SynthesisRequest{
		Text:    text,
		VoiceID: req.VoiceID,
		ModelID: req.Model,
	})
}

// handleSample speaks a canned sentence naming the voice, for the voice picker.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	const route = "sample"
	if !s.requireProvider(w, route) {
		return
	}
	voiceID := strings.TrimSpace(r.URL.Query().Get("voiceId"))
	if voiceID == "" {
		voiceID = s.tts.DefaultVoiceID()
	}
	s.synthesize(w, r, route, provider.SynthesisRequest{
		Text:    "This is a sample using voice " + voiceID,
		VoiceID: voiceID,
		ModelID: provider.DefaultTTSModel,
	})
}

func (s *Server) synthesize(w http.ResponseWriter, r *http.Request, route string, req provider.SynthesisRequest) {
	start := time.Now()
	audio, err := s.tts.Synthesize(r.Context(), req)
	s.observeUpstream(route, time.Since(start))
	if err != nil {
		s.upstreamError(w, r, route, err)
		return
	}
	s.streamAudio(w, r, route, audio)
}

func (s *Server) requireProvider(w http.ResponseWriter, route string) bool {
	if s.tts.Configured() {
		return true
	}
	s.proxyError(w, route, http.StatusInternalServerError, "server_misconfigured", "ELEVENLABS_API_KEY is not set")
	return false
}

// upstreamError passes a provider rejection through with its status and body
// untouched. Transport failures become 502.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, route string, err error) {
	code, _ := reliability.Classify(err)
	if s.metrics != nil {
		s.metrics.ProviderErrors.WithLabelValues("elevenlabs", code).Inc()
	}

	var upErr *provider.UpstreamError
	switch {
	case errors.As(err, &upErr):
		loggerFor(r).Warn("provider rejected request", "route", route, "status", upErr.Status)
		ct := upErr.ContentType
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		body := upErr.Body
		if len(body) == 0 {
			body = []byte("TTS request failed")
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(upErr.Status)
		_, _ = w.Write(body)
		s.observeProxy(route, upErr.Status)
	case errors.Is(err, provider.ErrNotConfigured):
		s.proxyError(w, route, http.StatusInternalServerError, "server_misconfigured", err.Error())
	default:
		loggerFor(r).Error("provider request failed", "route", route, "error", err)
		s.proxyError(w, route, http.StatusBadGateway, "upstream_unreachable", err.Error())
	}
}

func (s *Server) streamAudio(w http.ResponseWriter, r *http.Request, route string, audio *provider.Audio) {
	defer audio.Body.Close()
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	s.observeProxy(route, http.StatusOK)

	n, err := io.Copy(w, audio.Body)
	if err != nil {
		// Headers are already sent; the client sees a truncated stream.
		loggerFor(r).Warn("audio stream interrupted", "route", route, "bytes", n, "error", err)
	}
}

func (s *Server) proxyError(w http.ResponseWriter, route string, status int, code, message string) {
	s.observeProxy(route, status)
	respondError(w, status, code, message)
}

func (s *Server) observeProxy(route string, status int) {
	if s.metrics != nil {
		s.metrics.ProxyRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
}

func (s *Server) observeUpstream(op string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveUpstream(op, d)
	}
}
