package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gateguard/internal/gates"
	"gateguard/internal/model"
)

func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	list, err := s.gates.ListGates(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gates": list,
		"count": len(list),
	})
}

func (s *Server) handleCreateGate(w http.ResponseWriter, r *http.Request) {
	var in gates.GateInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	g, err := s.gates.CreateGate(r.Context(), chi.URLParam(r, "eventID"), in, operator(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGate(w http.ResponseWriter, r *http.Request) {
	detail, err := s.gates.GetGate(r.Context(), chi.URLParam(r, "gateID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleApproveGate(w http.ResponseWriter, r *http.Request) {
	g, err := s.gates.ApproveGate(r.Context(), chi.URLParam(r, "gateID"), operator(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRejectGate(w http.ResponseWriter, r *http.Request) {
	if err := s.gates.RejectGate(r.Context(), chi.URLParam(r, "gateID"), operator(r)); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
}

func (s *Server) handleRenameGate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.gates.RenameGate(r.Context(), chi.URLParam(r, "gateID"), strings.TrimSpace(req.Name), operator(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleSetBinding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string              `json:"category"`
		Status   model.BindingStatus `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	bd, err := s.gates.SetBinding(r.Context(), chi.URLParam(r, "gateID"), strings.TrimSpace(req.Category), req.Status, operator(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bd)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrimaryID   string `json:"primary_id"`
		SecondaryID string `json:"secondary_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.gates.MergeGates(r.Context(), strings.TrimSpace(req.PrimaryID), strings.TrimSpace(req.SecondaryID), operator(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	topo, err := s.gates.Topology(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topo)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	status := model.SuggestionStatus(r.URL.Query().Get("status"))
	list, err := s.gates.Suggestions(r.Context(), chi.URLParam(r, "eventID"), status)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": list,
		"count":       len(list),
	})
}

func (s *Server) handleApproveSuggestion(w http.ResponseWriter, r *http.Request) {
	g, err := s.gates.ApproveSuggestion(r.Context(), chi.URLParam(r, "suggestionID"), operator(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRejectSuggestion(w http.ResponseWriter, r *http.Request) {
	sg, err := s.gates.RejectSuggestion(r.Context(), chi.URLParam(r, "suggestionID"), operator(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}
