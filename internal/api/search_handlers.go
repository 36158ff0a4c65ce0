package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/watchtower/internal/events"
	"github.com/flitsinc/watchtower/internal/store"
)

type searchRequest struct {
	Query         string `json:"query"`
	MaxEvents     *int   `json:"max_events"`
	AddToDatabase *bool  `json:"add_to_database"`
}

var errQueryRequired = errors.New("query is required")

// parseSearchRequest accepts a JSON body or the form fields the dashboard
// posts. Missing fields take the given defaults.
func parseSearchRequest(r *http.Request, defaultMax int) (query string, max int, add bool, err error) {
	req := searchRequest{}
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") || strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return "", 0, false, err
		}
		req.Query = r.FormValue("query")
		if v := r.FormValue("max_events"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return "", 0, false, fmt.Errorf("max_events: %w", err)
			}
			req.MaxEvents = &n
		}
		if v := r.FormValue("add_to_database"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return "", 0, false, fmt.Errorf("add_to_database: %w", err)
			}
			req.AddToDatabase = &b
		}
	} else if err := decodeJSON(r.Body, &req); err != nil {
		return "", 0, false, err
	}

	query = strings.TrimSpace(req.Query)
	if query == "" {
		return "", 0, false, errQueryRequired
	}
	max = defaultMax
	if req.MaxEvents != nil {
		max = *req.MaxEvents
	}
	add = true
	if req.AddToDatabase != nil {
		add = *req.AddToDatabase
	}
	return query, max, add, nil
}

func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	query, max, add, err := parseSearchRequest(r, 5)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result := s.Pipeline.Search(r.Context(), query, max)
	if !result.Success {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}

	var integration *store.Result
	if add && len(result.Events) > 0 {
		res := s.Integrator.Integrate(r.Context(), result.Events)
		integration = &res
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"search_results":     result,
		"integration_result": integration,
		"timestamp":          timestamp(),
	})
}

func (s *Server) handleWebSearchPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	query, max, _, err := parseSearchRequest(r, 3)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"preview":   s.Pipeline.Search(r.Context(), query, max),
		"timestamp": timestamp(),
	})
}

// handleWebSearchStream relays pipeline updates as server-sent events until
// the pipeline finishes or the client goes away.
func (s *Server) handleWebSearchStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	query, max, _, err := parseSearchRequest(r, 5)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	for update := range s.Pipeline.SearchStream(r.Context(), query, max) {
		writeSSE(w, flusher, update)
	}
}

func (s *Server) handleIntegrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var list []events.Event
	if err := decodeJSON(r.Body, &list); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The batch is all or nothing, like the write itself.
	now := time.Now()
	for i := range list {
		if strings.TrimSpace(list[i].Title) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("event %d: title is required", i))
			return
		}
		list[i].Normalize(now)
	}
	result := s.Integrator.Integrate(r.Context(), list)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"integration_result": result,
		"timestamp":          timestamp(),
	})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
