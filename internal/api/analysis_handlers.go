package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/flitsinc/watchtower/internal/analysis"
	"github.com/flitsinc/watchtower/internal/events"
)

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, analysis.Summarize(doc))
}

func (s *Server) handleCriticalEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	min := events.SeverityCritical
	if raw := r.URL.Query().Get("min_severity"); raw != "" {
		parsed, ok := analysis.ParseSeverityStrict(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown severity %q", raw))
			return
		}
		min = parsed
	}
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, analysis.Critical(doc, min, parseInt(r.URL.Query().Get("limit"), 10)))
}

func (s *Server) handleEventSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	location := strings.TrimSpace(r.URL.Query().Get("location"))
	if location == "" {
		writeError(w, http.StatusBadRequest, errors.New("location is required"))
		return
	}
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, analysis.ByLocation(doc, location))
}

// handleGeoData serves the geocoded events as a GeoJSON feature collection.
func (s *Server) handleGeoData(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	raw, err := analysis.Features(doc).MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleIntelligenceSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Assistant == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("llm"))
		return
	}
	summary, err := s.Assistant.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":           summary.Summary,
		"event_count":       summary.EventCount,
		"regions_monitored": summary.RegionsMonitored,
		"critical_alerts":   summary.CriticalAlerts,
		"timestamp":         timestamp(),
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

// parseChatMessage accepts a JSON body or the form field the dashboard posts.
func parseChatMessage(r *http.Request) (string, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") || strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return "", err
		}
		return r.FormValue("message"), nil
	}
	var req chatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		return "", err
	}
	return req.Message, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	message, err := parseChatMessage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.Assistant == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("llm"))
		return
	}
	answer, err := s.Assistant.Chat(r.Context(), message)
	if errors.Is(err, analysis.ErrEmptyMessage) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": answer, "timestamp": timestamp()})
}

// handleChatStream relays the answer as server-sent chunks and always ends
// with a done marker.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	message, err := parseChatMessage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(message) == "" {
		writeError(w, http.StatusBadRequest, analysis.ErrEmptyMessage)
		return
	}
	if s.Assistant == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("llm"))
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	for update := range s.Assistant.ChatStream(r.Context(), message) {
		if update.Err != nil {
			writeSSE(w, flusher, map[string]any{"error": update.Err.Error()})
			continue
		}
		if update.Text != "" {
			writeSSE(w, flusher, map[string]any{"chunk": update.Text})
		}
	}
	writeSSE(w, flusher, map[string]any{"done": true})
}

func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) (events.Document, bool) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return events.Document{}, false
	}
	doc, err := s.Integrator.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return events.Document{}, false
	}
	return doc, true
}
