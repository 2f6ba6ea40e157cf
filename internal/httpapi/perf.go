package httpapi

import (
	"net/http"

	"github.com/ent0n29/voiceenroll/internal/stage"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"phases":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

type listStagesResponse struct {
	Total  int            `json:"total"`
	Stages []stage.Prompt `json:"stages"`
}

func (s *Server) handleListStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, listStagesResponse{Total: stage.Total, Stages: stage.All()})
}
