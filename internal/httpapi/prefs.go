package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voiceenroll/internal/prefs"
)

func (s *Server) handleGetPrefs(w http.ResponseWriter, r *http.Request) {
	p, err := s.prefs.Get(r.Context(), chi.URLParam(r, "client_id"))
	if err != nil {
		s.prefsError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handlePutPrefs stores the voice picked in settings. The model is normalized
// the same way the proxy does, so a restored session never carries a rejected model.
func (s *Server) handlePutPrefs(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")

	var req prefs.VoiceSelection
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "bad_request", "voice_id is required")
			return
		}
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	voice := s.normalizeVoice(req)
	if err := s.prefs.SaveVoice(r.Context(), clientID, voice); err != nil {
		s.prefsError(w, r, err)
		return
	}

	p, err := s.prefs.Get(r.Context(), clientID)
	if err != nil {
		s.prefsError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleGreetingShown(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if err := s.prefs.MarkGreetingShown(r.Context(), clientID); err != nil {
		s.prefsError(w, r, err)
		return
	}
	p, err := s.prefs.Get(r.Context(), clientID)
	if err != nil {
		s.prefsError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) prefsError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, prefs.ErrInvalidClientID) {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	loggerFor(r).Error("preference store failed", "error", err)
	respondError(w, http.StatusInternalServerError, "prefs_unavailable", "preference store unavailable")
}
