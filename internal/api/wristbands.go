package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleTopWristbands lists the highest scoring wristbands seen since the
// last reset, from the in-memory snapshots.
func (s *Server) handleTopWristbands(w http.ResponseWriter, r *http.Request) {
	list := s.fraud.Snapshots().Top(chi.URLParam(r, "eventID"), queryInt(r, "min_score", 0), queryInt(r, "limit", 50))
	writeJSON(w, http.StatusOK, map[string]any{
		"wristbands": list,
		"count":      len(list),
	})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	state, err := s.fraud.Score(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "wristbandID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleTravel(w http.ResponseWriter, r *http.Request) {
	flagged, err := s.fraud.ImpossibleTravel(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "wristbandID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"impossible_travel": flagged,
		"count":             len(flagged),
	})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	wristbandID := chi.URLParam(r, "wristbandID")
	if err := s.fraud.ManualUnblock(r.Context(), eventID, wristbandID, operator(r)); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":     eventID,
		"wristband_id": wristbandID,
		"status":       "unblocked",
	})
}
