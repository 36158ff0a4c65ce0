package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/watchtower/internal/agents"
	"github.com/flitsinc/watchtower/internal/analysis"
	"github.com/flitsinc/watchtower/internal/eventbus"
	"github.com/flitsinc/watchtower/internal/events"
	"github.com/flitsinc/watchtower/internal/intel"
	"github.com/flitsinc/watchtower/internal/metrics"
	"github.com/flitsinc/watchtower/internal/store"
)

type Server struct {
	Agents     *agents.Manager
	Pipeline   *intel.Pipeline
	Integrator *store.Integrator
	Bus        *eventbus.Bus
	Metrics    *metrics.Metrics
	// Assistant backs the chat and summary endpoints; nil answers 503.
	Assistant *analysis.Assistant
	// Restart hands the listener to a new process; nil disables the endpoint.
	Restart      func() error
	RestartToken string
	StartedAt    time.Time
	Info         DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/events/", s.handleEventItem)
	mux.HandleFunc("/api/events/stats", s.handleEventStats)
	mux.HandleFunc("/api/events/critical", s.handleCriticalEvents)
	mux.HandleFunc("/api/events/search", s.handleEventSearch)
	mux.HandleFunc("/api/geo-data", s.handleGeoData)
	mux.HandleFunc("/api/intelligence-summary", s.handleIntelligenceSummary)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/chat/stream", s.handleChatStream)
	mux.HandleFunc("/api/web-search", s.handleWebSearch)
	mux.HandleFunc("/api/web-search/preview", s.handleWebSearchPreview)
	mux.HandleFunc("/api/web-search/stream", s.handleWebSearchStream)
	mux.HandleFunc("/api/integrate-search-events", s.handleIntegrate)
	mux.HandleFunc("/api/agents/deploy", s.handleAgentsDeploy)
	mux.HandleFunc("/api/agents/stop", s.handleAgentsStop)
	mux.HandleFunc("/api/agents/stop-one", s.handleAgentsStopOne)
	mux.HandleFunc("/api/agents/status", s.handleAgentsStatus)
	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/streams/", s.handleStreams)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
		"services": map[string]bool{
			"web_search":    s.Pipeline != nil,
			"event_store":   s.Integrator != nil,
			"search_agents": s.Agents != nil,
			"activity_bus":  s.Bus != nil,
			"assistant":     s.Assistant != nil,
		},
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.Integrator.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPost:
		var event events.Event
		if err := decodeJSON(r.Body, &event); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(event.Title) == "" {
			writeError(w, http.StatusBadRequest, errors.New("title is required"))
			return
		}
		event.Normalize(time.Now())
		result := s.Integrator.Integrate(r.Context(), []events.Event{event})
		if !result.Success {
			writeError(w, http.StatusInternalServerError, errors.New(result.Error))
			return
		}
		writeJSON(w, http.StatusCreated, result.AddedEvents[0])
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleEventItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("event id must be a positive integer"))
		return
	}
	total, err := s.Integrator.Delete(r.Context(), id)
	if errors.Is(err, store.ErrEventNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted_id": id, "total_events": total})
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusNotFound, errNotFound("stream bus"))
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 1 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("stream"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stream := segments[0]
	if !eventbus.KnownStream(stream) {
		writeError(w, http.StatusNotFound, errNotFound("stream "+stream))
		return
	}
	items, err := s.Bus.List(r.Context(), stream, eventbus.ListOptions{
		Limit: parseInt(r.URL.Query().Get("limit"), 50),
		Order: r.URL.Query().Get("order"),
		Term:  r.URL.Query().Get("term"),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Bus == nil {
		writeError(w, http.StatusNotFound, errNotFound("stream bus"))
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		return
	}

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, streamsParam(r))
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			writeSSE(w, flusher, evt)
		}
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if token := s.RestartToken; token != "" {
		if r.Header.Get("X-Restart-Token") != token {
			writeError(w, http.StatusUnauthorized, errors.New("invalid restart token"))
			return
		}
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// streamsParam reads ?streams=a,b and defaults to every activity stream.
func streamsParam(r *http.Request) []string {
	list := splitComma(r.URL.Query().Get("streams"))
	if len(list) == 0 {
		return eventbus.Streams
	}
	return list
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
