package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voiceenroll/internal/provider"
)

// handleS2S forwards one uploaded recording to speech-to-speech. Oversized
// uploads are rejected before anything is sent upstream.
func (s *Server) handleS2S(w http.ResponseWriter, r *http.Request) {
	const route = "s2s"
	if !s.requireProvider(w, route) {
		return
	}

	limit := int64(s.cfg.S2SMaxUploadBytes)
	if limit <= 0 {
		limit = 5 << 20
	}
	// Multipart framing adds a little on top of the file itself.
	bodyLimit := limit + 64<<10
	if r.ContentLength > bodyLimit {
		s.proxyError(w, route, http.StatusRequestEntityTooLarge, "payload_too_large", "audio exceeds the upload limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.proxyError(w, route, http.StatusRequestEntityTooLarge, "payload_too_large", "audio exceeds the upload limit")
			return
		}
		s.proxyError(w, route, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.proxyError(w, route, http.StatusBadRequest, "bad_request", "No audio file uploaded")
		return
	}
	defer file.Close()
	if header.Size > limit {
		s.proxyError(w, route, http.StatusRequestEntityTooLarge, "payload_too_large", "audio exceeds the upload limit")
		return
	}

	start := time.Now()
	audio, err := s.tts.ConvertSpeech(r.Context(), provider.ConversionRequest{
		VoiceID:  r.FormValue("voiceId"),
		ModelID:  r.FormValue("model"),
		Filename: header.Filename,
		Audio:    file,
	})
	s.observeUpstream(route, time.Since(start))
	if err != nil {
		s.upstreamError(w, r, route, err)
		return
	}
	s.streamAudio(w, r, route, audio)
}
