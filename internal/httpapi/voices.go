package httpapi

import (
	"net/http"
	"time"

	"github.com/ent0n29/voiceenroll/internal/provider"
)

type listVoicesResponse struct {
	Voices []provider.Voice `json:"voices"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	const route = "voices"
	if !s.requireProvider(w, route) {
		return
	}

	start := time.Now()
	voices, err := s.tts.ListVoices(r.Context())
	s.observeUpstream(route, time.Since(start))
	if err != nil {
		s.upstreamError(w, r, route, err)
		return
	}

	s.observeProxy(route, http.StatusOK)
	respondJSON(w, http.StatusOK, listVoicesResponse{Voices: voices})
}
