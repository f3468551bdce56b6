// Package staticfile wraps net/http.FileServer as the black-box static
// handler rooted at an application's public directory.
package staticfile

import (
	"net/http"
	"os"
	"path/filepath"
)

// Handler serves files out of an application's public directory.
type Handler struct {
	root string
	fs   http.Handler
}

// New returns a Handler rooted at <appRoot>/public.
func New(appRoot string) *Handler {
	root := filepath.Join(appRoot, "public")
	return &Handler{root: root, fs: http.FileServer(http.Dir(root))}
}

// Exists reports whether the requested path resolves to a regular file
// under the handler's root, the precondition for the static fast path
// taking precedence over the application.
func (h *Handler) Exists(urlPath string) bool {
	full := filepath.Join(h.root, filepath.Clean("/"+urlPath))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return false
	}
	return true
}

// ServeHTTP delegates to the underlying http.FileServer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.fs.ServeHTTP(w, r)
}
