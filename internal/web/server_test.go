package web

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newSite(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "static"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>watchtower</h1>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "static", "main.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatalf("write js: %v", err)
	}
	return &Server{Dir: dir}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServesIndexAndStatic(t *testing.T) {
	h := newSite(t).Handler()

	rec := get(t, h, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "watchtower") {
		t.Fatalf("unexpected index response %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store caching")
	}

	rec = get(t, h, "/static/main.js")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "console.log") {
		t.Fatalf("unexpected static response %d", rec.Code)
	}
}

func TestUnknownRoutesFallBackToIndex(t *testing.T) {
	h := newSite(t).Handler()

	rec := get(t, h, "/agents")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "watchtower") {
		t.Fatalf("expected index fallback, got %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/static/missing.js"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing asset, got %d", rec.Code)
	}
	if rec := get(t, h, "/missing.css"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing file, got %d", rec.Code)
	}
}
