package routing

import (
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/femtoweb/femtoweb/internal/httpio"
	"github.com/femtoweb/femtoweb/internal/sched"
)

// DefaultMaxFileBytes bounds the file sizes the static handler will serve.
// Larger files are exactly the oversized allocations the admission gate
// exists to prevent.
const DefaultMaxFileBytes = 1 << 20

// StaticHandler serves files under a directory root for GET/HEAD requests
// matching a path prefix. It deliberately sets no caching headers.
type StaticHandler struct {
	prefix   string
	root     string
	index    string
	maxBytes int64
	filter   FilterFunc
}

// NewStaticHandler serves files from root for request paths under prefix.
// A trailing '*' on the prefix is accepted and ignored; the prefix always
// matches by prefix.
func NewStaticHandler(prefix, root string) *StaticHandler {
	prefix = strings.TrimSuffix(prefix, "*")
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return &StaticHandler{
		prefix:   prefix,
		root:     filepath.Clean(root),
		index:    "index.html",
		maxBytes: DefaultMaxFileBytes,
	}
}

// SetFilter installs a caller-supplied filter.
func (h *StaticHandler) SetFilter(f FilterFunc) *StaticHandler {
	h.filter = f
	return h
}

// Filter runs the caller-supplied filter, defaulting to accept.
func (h *StaticHandler) Filter(r *sched.Request) bool {
	if h.filter == nil {
		return true
	}
	return h.filter(r)
}

// CanHandle accepts GET/HEAD requests whose path resolves to an existing,
// affordably sized file under the root.
func (h *StaticHandler) CanHandle(r *sched.Request) bool {
	if r.Method != "GET" && r.Method != "HEAD" {
		return false
	}
	name, ok := h.resolve(r.Path)
	if !ok {
		return false
	}
	info, err := os.Stat(name)
	if err != nil || info.IsDir() || info.Size() > h.maxBytes {
		return false
	}
	return true
}

// Serve reads the file and responds with it.
func (h *StaticHandler) Serve(r *sched.Request) {
	w := httpio.NewResponseWriter(r)
	name, ok := h.resolve(r.Path)
	if !ok {
		w.WriteText(404, "Not Found\n")
		return
	}
	body, err := os.ReadFile(name)
	if err != nil {
		w.WriteText(404, "Not Found\n")
		return
	}
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	if r.Method == "HEAD" {
		body = nil
	}
	w.WriteResponse(200, ctype, body)
}

// resolve maps a request path onto the filesystem, refusing anything that
// escapes the root.
func (h *StaticHandler) resolve(reqPath string) (string, bool) {
	if !strings.HasPrefix(reqPath, h.prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(reqPath, h.prefix)
	rel = path.Clean("/" + rel)
	if rel == "/" {
		rel = "/" + h.index
	}
	name := filepath.Join(h.root, filepath.FromSlash(rel))
	if name != h.root && !strings.HasPrefix(name, h.root+string(filepath.Separator)) {
		return "", false
	}
	return name, true
}
