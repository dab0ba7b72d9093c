package web

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// IndexPage is served for "/".
const IndexPage = "/app.html"

var contentTypes = map[string]string{
	".html": "text/html",
	".js":   "text/javascript",
	".mjs":  "text/javascript",
	".cjs":  "text/javascript",
	".css":  "text/css",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpg",
}

// ContentType returns the Content-Type served for a file name.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// StaticHandler serves files below a root directory. It accepts every
// request and therefore belongs at the end of the chain.
type StaticHandler struct {
	root string
}

// NewStaticHandler returns a handler for root. The root is resolved once so
// that later containment checks compare canonical paths.
func NewStaticHandler(root string) (*StaticHandler, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid HttpRoot %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("invalid HttpRoot %q: %w", root, err)
	}
	return &StaticHandler{root: canonical}, nil
}

func (h *StaticHandler) CanHandleRequest(*http.Request) bool {
	return true
}

func (h *StaticHandler) HandleRequest(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return &HTTPError{
			Status: http.StatusMethodNotAllowed,
			Reason: fmt.Sprintf("method %s not allowed", r.Method),
			Header: http.Header{"Allow": {http.MethodGet}},
		}
	}

	name := r.URL.Path
	if name == "" || name == "/" {
		name = IndexPage
	}

	path, ok := h.resolve(name)
	if !ok {
		return NewHTTPError(http.StatusNotFound, "%s not found", r.URL.Path)
	}

	f, err := os.Open(path)
	if err != nil {
		return NewHTTPError(http.StatusNotFound, "%s not found", r.URL.Path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return NewHTTPError(http.StatusNotFound, "%s not found", r.URL.Path)
	}

	w.Header().Set("Content-Type", ContentType(path))
	http.ServeContent(w, r, "", info.ModTime(), f)
	return nil
}

// resolve maps a URL path to a file below the root, following symlinks.
// Anything that resolves outside the root is refused.
func (h *StaticHandler) resolve(urlPath string) (string, bool) {
	joined := filepath.Join(h.root, filepath.FromSlash(filepath.Clean("/"+urlPath)))
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", false
	}
	if resolved != h.root && !strings.HasPrefix(resolved, h.root+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}
