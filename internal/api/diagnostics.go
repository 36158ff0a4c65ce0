package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr     string `json:"http_addr"`
	DataDir      string `json:"data_dir"`
	DBPath       string `json:"db_path"`
	DBSchema     int    `json:"db_schema_version"`
	WebDir       string `json:"web_dir"`
	StoreBackend string `json:"store_backend"`
	LLMProvider  string `json:"llm_provider"`
	LLMBaseURL   string `json:"llm_base_url"`
	LLMModel     string `json:"llm_model"`
	LLMKeySet    bool   `json:"llm_key_set"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	LLMConfigured bool            `json:"llm_configured"`
	Info          DiagnosticsInfo `json:"info"`
	EventBus      map[string]any  `json:"eventbus"`
	Agents        map[string]any  `json:"agents"`
	Store         map[string]any  `json:"store"`
	Runtime       map[string]any  `json:"runtime"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		LLMConfigured: s.Info.LLMModel != "" && s.Info.LLMKeySet,
		Info:          s.Info,
		EventBus:      map[string]any{},
		Agents:        map[string]any{},
		Store:         map[string]any{"backend": s.Info.StoreBackend},
		Runtime:       map[string]any{"goroutines": runtime.NumGoroutine()},
	}
	if s.Bus != nil {
		resp.EventBus["subscribers"] = s.Bus.SubscriberCount()
	}
	if s.Agents != nil {
		resp.Agents["active"] = s.Agents.Active()
	}
	if s.Integrator != nil {
		// A failing backend is reported here rather than failing the whole request.
		if doc, err := s.Integrator.List(r.Context()); err != nil {
			resp.Store["error"] = err.Error()
		} else {
			resp.Store["events"] = len(doc.Events)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
