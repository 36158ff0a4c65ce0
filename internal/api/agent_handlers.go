package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/flitsinc/watchtower/internal/agents"
)

func (s *Server) handleAgentsDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		SearchTerms []string `json:"search_terms"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var terms []string
	for _, term := range payload.SearchTerms {
		if strings.TrimSpace(term) != "" {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no search terms provided"))
		return
	}
	result, err := s.Agents.Deploy(terms)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAgentsStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Agents.StopAll())
}

func (s *Server) handleAgentsStopOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		SearchTerm string `json:"search_term"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.SearchTerm) == "" {
		writeError(w, http.StatusBadRequest, errors.New("no search term provided"))
		return
	}
	result, err := s.Agents.StopOne(payload.SearchTerm)
	if errors.Is(err, agents.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAgentsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	result, err := s.Agents.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
