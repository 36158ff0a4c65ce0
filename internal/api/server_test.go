package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/flitsinc/watchtower/internal/agents"
	"github.com/flitsinc/watchtower/internal/analysis"
	"github.com/flitsinc/watchtower/internal/eventbus"
	"github.com/flitsinc/watchtower/internal/events"
	"github.com/flitsinc/watchtower/internal/extract"
	"github.com/flitsinc/watchtower/internal/geo"
	"github.com/flitsinc/watchtower/internal/intel"
	"github.com/flitsinc/watchtower/internal/metrics"
	"github.com/flitsinc/watchtower/internal/store"
	"github.com/flitsinc/watchtower/internal/testutil"
)

const twoEvents = `[{"title":"Tanker boarded","location":"Red Sea","severity":"high","category":"maritime"},{"title":"Port strike","location":"Rotterdam"}]`

type fakeSource struct {
	text string
	err  error
}

func (f fakeSource) Search(context.Context, string) (string, error) { return f.text, f.err }

type testEnv struct {
	server *Server
	client *http.Client
	bus    *eventbus.Bus
}

func newTestEnv(t *testing.T, source fakeSource, modelOutput string) *testEnv {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	x := extract.New(testutil.StaticCompleter(modelOutput))
	x.Pacing = 0
	pipeline := &intel.Pipeline{Source: source, Extractor: x, Resolver: geo.NewResolver(nil)}
	integ := store.NewIntegrator(store.NewFileStore(filepath.Join(t.TempDir(), "events.json")))
	bus := eventbus.NewBus(db)

	timings := agents.DefaultTimings()
	timings.InitialDelay = time.Hour
	mgr := agents.NewManager(pipeline, integ, agents.WithTimings(timings), agents.WithActivity(bus))
	t.Cleanup(mgr.Close)

	server := &Server{
		Agents:     mgr,
		Pipeline:   pipeline,
		Integrator: integ,
		Bus:        bus,
		Metrics:    metrics.New(),
		StartedAt:  time.Now().UTC(),
		Info:       DiagnosticsInfo{StoreBackend: store.BackendFile, LLMModel: "fake"},
	}
	return &testEnv{server: server, client: testutil.NewInProcessClient(server.Handler()), bus: bus}
}

func TestHealthAndDiagnostics(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")

	resp := doJSON(t, env.client, "GET", "/api/health", nil)
	var health struct {
		Status   string          `json:"status"`
		Services map[string]bool `json:"services"`
	}
	decodeJSONResponse(t, resp, &health)
	if health.Status != "ok" || !health.Services["search_agents"] || !health.Services["event_store"] {
		t.Fatalf("unexpected health %+v", health)
	}

	resp = doJSON(t, env.client, "GET", "/api/diagnostics", nil)
	var diag DiagnosticsResponse
	decodeJSONResponse(t, resp, &diag)
	if diag.Info.StoreBackend != "file" || diag.GoVersion == "" {
		t.Fatalf("unexpected diagnostics %+v", diag)
	}
	if diag.LLMConfigured {
		t.Fatalf("expected llm to be unconfigured without a key")
	}
	if events, ok := diag.Store["events"].(float64); !ok || events != 0 {
		t.Fatalf("expected empty store stats, got %+v", diag.Store)
	}
}

func TestWebSearchIntegratesEvents(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, twoEvents)

	resp := doJSON(t, env.client, "POST", "/api/web-search", map[string]any{"query": "piracy"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var out struct {
		SearchResults     intel.Result  `json:"search_results"`
		IntegrationResult *store.Result `json:"integration_result"`
	}
	decodeJSONResponse(t, resp, &out)
	if !out.SearchResults.Success || out.SearchResults.EventsFound != 2 {
		t.Fatalf("unexpected search results %+v", out.SearchResults)
	}
	if out.IntegrationResult == nil || out.IntegrationResult.AddedCount != 2 || out.IntegrationResult.TotalEvents != 2 {
		t.Fatalf("unexpected integration %+v", out.IntegrationResult)
	}

	resp = doJSON(t, env.client, "GET", "/api/events", nil)
	var doc events.Document
	decodeJSONResponse(t, resp, &doc)
	if len(doc.Events) != 2 || doc.Events[0].ID != 1 || doc.Events[1].ID != 2 {
		t.Fatalf("unexpected stored events %+v", doc.Events)
	}
	if !doc.Events[0].GeoResolved {
		t.Fatalf("expected stored event to be geocoded")
	}
}

func TestWebSearchFormWithoutDatabase(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, twoEvents)

	form := url.Values{"query": {"piracy"}, "max_events": {"1"}, "add_to_database": {"false"}}
	req, err := http.NewRequest("POST", "http://in-process/api/web-search", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	var out map[string]json.RawMessage
	decodeJSONResponse(t, resp, &out)
	if string(out["integration_result"]) != "null" {
		t.Fatalf("expected no integration, got %s", out["integration_result"])
	}
	var result intel.Result
	if err := json.Unmarshal(out["search_results"], &result); err != nil {
		t.Fatalf("decode search results: %v", err)
	}
	if result.EventsFound != 1 {
		t.Fatalf("expected max_events to cap results, got %d", result.EventsFound)
	}

	doc, err := env.server.Integrator.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(doc.Events) != 0 {
		t.Fatalf("expected empty store, got %d events", len(doc.Events))
	}
}

func TestWebSearchRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, fakeSource{err: errors.New("offline")}, "[]")

	resp := doJSON(t, env.client, "POST", "/api/web-search", map[string]any{"query": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank query, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "POST", "/api/web-search", map[string]any{"query": "piracy"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for failed search, got %d", resp.StatusCode)
	}
	var result intel.Result
	decodeJSONResponse(t, resp, &result)
	if result.Success || result.Error != "offline" {
		t.Fatalf("unexpected failure body %+v", result)
	}

	resp = doJSON(t, env.client, "GET", "/api/web-search", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebSearchPreviewDoesNotWrite(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, twoEvents)

	resp := doJSON(t, env.client, "POST", "/api/web-search/preview", map[string]any{"query": "piracy"})
	var out struct {
		Preview intel.Result `json:"preview"`
	}
	decodeJSONResponse(t, resp, &out)
	if !out.Preview.Success || out.Preview.EventsFound != 2 {
		t.Fatalf("unexpected preview %+v", out.Preview)
	}
	doc, err := env.server.Integrator.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(doc.Events) != 0 {
		t.Fatalf("preview must not write, got %d events", len(doc.Events))
	}
}

func TestWebSearchStreamSendsUpdates(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, twoEvents)

	body, _ := json.Marshal(map[string]any{"query": "piracy"})
	req := httptest.NewRequest(http.MethodPost, "/api/web-search/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var kinds []string
	for _, payload := range testutil.SSEPayloads(rec.Body) {
		var u intel.Update
		if err := json.Unmarshal(payload, &u); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		kinds = append(kinds, u.Type)
	}
	want := []string{intel.UpdateStatus, intel.UpdateStatus, intel.UpdateEvent, intel.UpdateEvent, intel.UpdateComplete}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected update sequence %v", kinds)
	}
}

func TestIntegrateSearchEvents(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")

	payload := []map[string]any{
		{"id": 99, "title": "Cable cut", "location": "Red Sea"},
		{"title": "Cable cut", "location": "Red Sea"},
	}
	resp := doJSON(t, env.client, "POST", "/api/integrate-search-events", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("integrate status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var out struct {
		IntegrationResult store.Result `json:"integration_result"`
		Timestamp         string       `json:"timestamp"`
	}
	decodeJSONResponse(t, resp, &out)
	res := out.IntegrationResult
	if !res.Success || res.AddedCount != 2 || res.AddedEvents[0].ID != 1 || res.AddedEvents[1].ID != 2 {
		t.Fatalf("unexpected integration %+v", res)
	}
	if out.Timestamp == "" {
		t.Fatalf("expected timestamp")
	}
}

func TestIntegrateSearchEventsValidatesAndNormalizes(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")

	resp := doJSON(t, env.client, "POST", "/api/integrate-search-events", []map[string]any{
		{"title": "Cable cut"},
		{"title": "  ", "location": "Nowhere"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for untitled event, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "GET", "/api/events", nil)
	var doc events.Document
	decodeJSONResponse(t, resp, &doc)
	if len(doc.Events) != 0 {
		t.Fatalf("rejected batch must not be stored, got %+v", doc.Events)
	}

	resp = doJSON(t, env.client, "POST", "/api/integrate-search-events", []map[string]any{
		{"title": " Cable cut ", "severity": "SEVERE", "tags": []string{"cable", "Cable", " "}},
	})
	var out struct {
		IntegrationResult store.Result `json:"integration_result"`
	}
	decodeJSONResponse(t, resp, &out)
	added := out.IntegrationResult.AddedEvents
	if len(added) != 1 {
		t.Fatalf("unexpected integration %+v", out.IntegrationResult)
	}
	got := added[0]
	if got.Title != "Cable cut" || got.Severity != events.SeverityMedium || got.Category != events.CategoryGeneral {
		t.Fatalf("expected normalized event, got %+v", got)
	}
	if len(got.Tags) != 1 || got.Timestamp == "" {
		t.Fatalf("expected deduplicated tags and a timestamp, got %+v", got)
	}
}

func TestAgentEndpoints(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")

	resp := doJSON(t, env.client, "POST", "/api/agents/deploy", map[string]any{"search_terms": []string{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for no terms, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "POST", "/api/agents/deploy", map[string]any{"search_terms": []string{"piracy", "drought", "piracy"}})
	var deployed agents.DeployResult
	decodeJSONResponse(t, resp, &deployed)
	if !deployed.Success || deployed.DeployedCount != 2 || deployed.TotalActive != 2 {
		t.Fatalf("unexpected deploy %+v", deployed)
	}

	resp = doJSON(t, env.client, "GET", "/api/agents/status", nil)
	var status agents.StatusResult
	decodeJSONResponse(t, resp, &status)
	if status.TotalActive != 2 || len(status.Agents) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	resp = doJSON(t, env.client, "POST", "/api/agents/stop-one", map[string]any{"search_term": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "POST", "/api/agents/stop-one", map[string]any{"search_term": " "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank term, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "POST", "/api/agents/stop-one", map[string]any{"search_term": "piracy"})
	var one agents.StopOneResult
	decodeJSONResponse(t, resp, &one)
	if !one.Success || one.RemainingAgents != 1 {
		t.Fatalf("unexpected stop-one %+v", one)
	}

	resp = doJSON(t, env.client, "POST", "/api/agents/stop", nil)
	var all agents.StopAllResult
	decodeJSONResponse(t, resp, &all)
	if !all.Success || all.StoppedCount != 1 {
		t.Fatalf("unexpected stop %+v", all)
	}

	resp = doJSON(t, env.client, "GET", "/api/streams/agents", nil)
	var entries []eventbus.Entry
	decodeJSONResponse(t, resp, &entries)
	if len(entries) != 4 || entries[0].Subject != "deployed" {
		t.Fatalf("unexpected agent activity %+v", entries)
	}

	resp = doJSON(t, env.client, "GET", "/api/streams/bogus", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stream, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")
	env.server.Metrics.SetActiveAgents(2)

	resp := doJSON(t, env.client, "GET", "/metrics", nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "watchtower_active_agents 2") {
		t.Fatalf("unexpected metrics output: %d %s", resp.StatusCode, body)
	}
}

func TestServerStreamSubscribe(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")
	mux := env.server.Handler()

	req := testutil.NewRequest(http.MethodGet, "/api/streams/subscribe?streams=cycles", nil)
	rec := testutil.NewStreamRecorder()
	resp := &http.Response{StatusCode: rec.Code, Body: rec.Body}
	errChan := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	go func() {
		mux.ServeHTTP(rec, req)
		errChan <- rec.Close()
	}()
	defer resp.Body.Close()

	got := make(chan []byte, 1)

	go func() {
		payload, err := testutil.NextSSE(bufio.NewReader(resp.Body))
		if err == nil {
			got <- payload
		}
	}()

	time.Sleep(50 * time.Millisecond)
	_, _ = env.bus.Push(context.Background(), eventbus.Input{Stream: eventbus.StreamAgents, Body: "skipped"})
	_, _ = env.bus.Push(context.Background(), eventbus.Input{Stream: eventbus.StreamCycles, Body: "hello"})

	select {
	case line := <-got:
		if !bytes.Contains(line, []byte(`"hello"`)) {
			t.Fatalf("expected the cycles entry, got %s", line)
		}
		cancel()
		return
	case <-ctx.Done():
		t.Fatalf("timeout waiting for sse")
	}
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

func TestRestartEndpoint(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")

	resp := doJSON(t, env.client, "POST", "/api/admin/restart", nil)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501 without restarter, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	restarts := 0
	env.server.Restart = func() error { restarts++; return nil }
	env.server.RestartToken = "secret"
	client := testutil.NewInProcessClient(env.server.Handler())

	resp = doJSON(t, client, "POST", "/api/admin/restart", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, err := http.NewRequest("POST", "http://in-process/api/admin/restart", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Restart-Token", "secret")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || restarts != 1 {
		t.Fatalf("expected accepted restart, got %d after %d calls", resp.StatusCode, restarts)
	}
}

func TestAddAndDeleteEvent(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")

	resp := doJSON(t, env.client, "POST", "/api/events", map[string]any{"title": " "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing title, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "POST", "/api/events", map[string]any{"title": "Drone strike", "severity": "SEVERE", "analyst": "kim"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var added events.Event
	decodeJSONResponse(t, resp, &added)
	if added.ID != 1 || added.Severity != events.SeverityMedium || added.Timestamp == "" {
		t.Fatalf("unexpected added event %+v", added)
	}
	if string(added.Extra["analyst"]) != `"kim"` {
		t.Fatalf("expected unknown fields to round-trip, got %v", added.Extra)
	}

	resp = doJSON(t, env.client, "DELETE", "/api/events/7", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "DELETE", "/api/events/abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "DELETE", "/api/events/1", nil)
	var deleted struct {
		Success     bool  `json:"success"`
		DeletedID   int64 `json:"deleted_id"`
		TotalEvents int   `json:"total_events"`
	}
	decodeJSONResponse(t, resp, &deleted)
	if !deleted.Success || deleted.DeletedID != 1 || deleted.TotalEvents != 0 {
		t.Fatalf("unexpected delete %+v", deleted)
	}
}

func seedAnalysisEvents(t *testing.T, env *testEnv) {
	t.Helper()
	result := env.server.Integrator.Integrate(context.Background(), []events.Event{
		{Title: "Tanker boarded", Location: "Red Sea, off Yemen", Severity: "critical", Category: "maritime", Lat: 20, Lon: 38, GeoResolved: true},
		{Title: "Port strike", Location: "Rotterdam", Severity: "low", Category: "supply-chain"},
		{Title: "Drone sighting", Location: "Red Sea", Severity: "high", Category: "conflict"},
	})
	if !result.Success {
		t.Fatalf("seed: %s", result.Error)
	}
}

func TestEventAnalysisEndpoints(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")
	seedAnalysisEvents(t, env)

	resp := doJSON(t, env.client, "GET", "/api/events/stats", nil)
	var stats analysis.Stats
	decodeJSONResponse(t, resp, &stats)
	if stats.TotalEvents != 3 || stats.ByRegion["Red Sea"] != 2 || stats.BySeverity["critical"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resp = doJSON(t, env.client, "GET", "/api/events/critical?min_severity=high", nil)
	var critical []events.Event
	decodeJSONResponse(t, resp, &critical)
	if len(critical) != 2 || critical[0].Title != "Tanker boarded" {
		t.Fatalf("unexpected critical events %+v", critical)
	}

	resp = doJSON(t, env.client, "GET", "/api/events/critical?min_severity=dire", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown severity, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "GET", "/api/events/search?location=rotterdam", nil)
	var found []events.Event
	decodeJSONResponse(t, resp, &found)
	if len(found) != 1 || found[0].Title != "Port strike" {
		t.Fatalf("unexpected location matches %+v", found)
	}

	resp = doJSON(t, env.client, "GET", "/api/events/search", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without location, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, env.client, "POST", "/api/events/stats", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGeoDataServesResolvedEvents(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")
	seedAnalysisEvents(t, env)

	resp := doJSON(t, env.client, "GET", "/api/geo-data", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := readBody(t, resp)
	fc, err := geojson.UnmarshalFeatureCollection([]byte(body))
	if err != nil {
		t.Fatalf("decode geojson: %v", err)
	}
	if len(fc.Features) != 1 || fc.Features[0].Properties.MustString("title") != "Tanker boarded" {
		t.Fatalf("unexpected features %s", body)
	}
}

func TestChatAndSummaryEndpoints(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")

	resp := doJSON(t, env.client, "POST", "/api/chat", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without assistant, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	seedAnalysisEvents(t, env)
	model := testutil.StaticCompleter("Maritime risk is elevated.")
	env.server.Assistant = &analysis.Assistant{Model: model, Events: env.server.Integrator.List}
	client := testutil.NewInProcessClient(env.server.Handler())

	resp = doJSON(t, client, "POST", "/api/chat", map[string]any{"message": "what changed?"})
	var chat struct {
		Response  string `json:"response"`
		Timestamp string `json:"timestamp"`
	}
	decodeJSONResponse(t, resp, &chat)
	if chat.Response != "Maritime risk is elevated." || chat.Timestamp == "" {
		t.Fatalf("unexpected chat reply %+v", chat)
	}

	form := url.Values{"message": {"and now?"}}
	req, err := http.NewRequest("POST", "http://in-process/api/chat", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("form chat status %d", resp.StatusCode)
	}

	resp = doJSON(t, client, "POST", "/api/chat", map[string]any{"message": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank message, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, client, "GET", "/api/intelligence-summary", nil)
	var summary struct {
		Summary        string `json:"summary"`
		EventCount     int    `json:"event_count"`
		CriticalAlerts int    `json:"critical_alerts"`
	}
	decodeJSONResponse(t, resp, &summary)
	if summary.Summary != "Maritime risk is elevated." || summary.EventCount != 3 || summary.CriticalAlerts != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	env.server.Assistant = &analysis.Assistant{Model: testutil.FailingCompleter(errors.New("quota")), Events: env.server.Integrator.List}
	resp = doJSON(t, testutil.NewInProcessClient(env.server.Handler()), "POST", "/api/chat", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 on model failure, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChatStreamEndsWithDone(t *testing.T) {
	env := newTestEnv(t, fakeSource{text: "raw"}, "[]")
	env.server.Assistant = &analysis.Assistant{Model: &testutil.FakeStreamer{Fragments: []string{"Red Sea ", "is tense."}}}

	body, _ := json.Marshal(map[string]any{"message": "outlook?"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	var chunks []string
	done := false
	for _, payload := range testutil.SSEPayloads(rec.Body) {
		var msg struct {
			Chunk string `json:"chunk"`
			Error string `json:"error"`
			Done  bool   `json:"done"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Error != "" {
			t.Fatalf("unexpected error chunk %q", msg.Error)
		}
		if msg.Chunk != "" {
			chunks = append(chunks, msg.Chunk)
		}
		done = msg.Done
	}
	if strings.Join(chunks, "") != "Red Sea is tense." || !done {
		t.Fatalf("unexpected stream %q done=%v", chunks, done)
	}
}
