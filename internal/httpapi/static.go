package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"strings"
)

//go:embed static/*
var embeddedStatic embed.FS

// newStaticFS serves dir from disk when set, otherwise the embedded UI.
func newStaticFS(dir string) fs.FS {
	if strings.TrimSpace(dir) != "" {
		return os.DirFS(dir)
	}
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		return embeddedStatic
	}
	return sub
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	body, err := fs.ReadFile(s.static, "index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
