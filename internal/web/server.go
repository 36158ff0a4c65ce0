// Package web serves the dashboard's static files.
package web

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type Server struct {
	Dir string
}

// Handler serves files from Dir. Unknown paths without an extension get
// index.html so dashboard routes survive a reload.
func (s *Server) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.Dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		if s.fallbackToIndex(r.URL.Path) {
			http.ServeFile(w, r, filepath.Join(s.Dir, "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func (s *Server) fallbackToIndex(urlPath string) bool {
	clean := path.Clean("/" + urlPath)
	if clean == "/" || strings.HasPrefix(clean, "/static/") || path.Ext(clean) != "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.Dir, filepath.FromSlash(clean)))
	return os.IsNotExist(err)
}
