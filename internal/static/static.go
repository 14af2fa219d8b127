// Package static serves deployment directories for static routes: directory
// index files, single-page-app fallback to /index.html, hiding of dotfiles
// and editor backups, validators and gzip for text assets.
package static

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzhttp"
)

const (
	cacheImmutable  = "public, max-age=31536000, immutable"
	cacheRevalidate = "public, max-age=0, must-revalidate"
	minCompressSize = 1024
)

var compressibleTypes = []string{
	"text/html",
	"text/css",
	"text/javascript",
	"text/plain",
	"text/xml",
	"application/javascript",
	"application/json",
	"application/xml",
	"application/x-javascript",
	"image/svg+xml",
}

var compress = func() func(http.Handler) http.HandlerFunc {
	wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(minCompressSize), gzhttp.ContentTypes(compressibleTypes))
	if err != nil {
		panic(err)
	}
	return wrap
}()

// Server hands out one file handler per deployment root.
type Server struct {
	spa      bool
	mu       sync.Mutex
	handlers map[string]http.Handler
}

// NewServer returns a server. With spa set, unknown GET/HEAD paths fall back
// to the root index.html.
func NewServer(spa bool) *Server {
	return &Server{spa: spa, handlers: make(map[string]http.Handler)}
}

// Handler returns the handler for root, creating it on first use.
func (s *Server) Handler(root string) http.Handler {
	root = filepath.Clean(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[root]; ok {
		return h
	}
	h := newHandler(root, s.spa)
	s.handlers[root] = h
	return h
}

// Forget drops cached handlers whose root is no longer routed.
func (s *Server) Forget(keep func(root string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for root := range s.handlers {
		if !keep(root) {
			delete(s.handlers, root)
		}
	}
}

// Drop removes the cached handler for root.
func (s *Server) Drop(root string) {
	s.mu.Lock()
	delete(s.handlers, filepath.Clean(root))
	s.mu.Unlock()
}

type handler struct {
	fsys hiddenFileSystem
	spa  bool
	gzip http.Handler
}

func newHandler(root string, spa bool) *handler {
	h := &handler{fsys: hiddenFileSystem{root: http.Dir(root)}, spa: spa}
	h.gzip = compress(http.HandlerFunc(h.serve))
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.gzip.ServeHTTP(w, r)
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	clean := cleanPath(r.URL.Path)
	if h.serveResolved(w, r, clean) {
		return
	}
	if h.spa && clean != "/index.html" && path.Ext(clean) == "" && h.serveFile(w, r, "/index.html") {
		return
	}
	http.NotFound(w, r)
}

func (h *handler) serveResolved(w http.ResponseWriter, r *http.Request, clean string) bool {
	file, info, ok := h.open(clean)
	if !ok {
		return false
	}
	if !info.IsDir() {
		defer func() { _ = file.Close() }()
		serveOpened(w, r, clean, file, info)
		return true
	}
	_ = file.Close()

	index := path.Join(clean, "index.html")
	idx, idxInfo, ok := h.open(index)
	if !ok || idxInfo.IsDir() {
		if ok {
			_ = idx.Close()
		}
		return false
	}
	defer func() { _ = idx.Close() }()
	if needsDirRedirect(r.URL.Path) {
		redirectDirectory(w, r)
		return true
	}
	serveOpened(w, r, index, idx, idxInfo)
	return true
}

func (h *handler) serveFile(w http.ResponseWriter, r *http.Request, name string) bool {
	file, info, ok := h.open(name)
	if !ok {
		return false
	}
	defer func() { _ = file.Close() }()
	if info.IsDir() {
		return false
	}
	serveOpened(w, r, name, file, info)
	return true
}

func (h *handler) open(name string) (http.File, os.FileInfo, bool) {
	file, err := h.fsys.Open(name)
	if err != nil {
		return nil, nil, false
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, false
	}
	return file, info, true
}

// serveOpened answers with a weak validator built from size and mtime;
// http.ServeContent turns a matching If-None-Match into 304.
func serveOpened(w http.ResponseWriter, r *http.Request, name string, file http.File, info os.FileInfo) {
	w.Header().Set("Cache-Control", cacheControl(name))
	w.Header().Set("ETag", fmt.Sprintf(`W/"%x-%x"`, info.Size(), info.ModTime().UnixNano()))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

var cacheableDirs = []string{"/assets/", "/static/", "/_next/static/"}

// hashedName matches fingerprinted file names such as app.3f9a2c1d.js or
// index-BdG3xK9a.css.
var hashedName = regexp.MustCompile(`[.\-]([0-9A-Za-z_]{8,})\.[0-9A-Za-z]+$`)

func cacheControl(name string) string {
	if strings.HasSuffix(name, ".html") {
		// HTML entry points must revalidate so a new deployment is picked up.
		return "no-cache"
	}
	for _, dir := range cacheableDirs {
		if strings.Contains(name, dir) {
			return cacheImmutable
		}
	}
	base := path.Base(name)
	if strings.Contains(base, ".chunk.") || strings.Contains(base, ".hash.") {
		return cacheImmutable
	}
	if m := hashedName.FindStringSubmatch(base); m != nil && strings.ContainsAny(m[1], "0123456789") {
		return cacheImmutable
	}
	return cacheRevalidate
}

func needsDirRedirect(requestPath string) bool {
	return requestPath != "" && !strings.HasSuffix(requestPath, "/")
}

func redirectDirectory(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// hiddenFileSystem refuses to open dotfiles, dot-directories and editor
// backup files anywhere below the root.
type hiddenFileSystem struct {
	root http.FileSystem
}

func (fsys hiddenFileSystem) Open(name string) (http.File, error) {
	clean := cleanPath(name)
	if hidden(strings.TrimPrefix(clean, "/")) {
		return nil, fs.ErrNotExist
	}
	return fsys.root.Open(clean)
}

var backupSuffixes = []string{"~", ".bak", ".backup", ".old", ".orig", ".swp", ".tmp"}

func hidden(rel string) bool {
	if rel == "" {
		return false
	}
	segments := strings.Split(rel, "/")
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." || strings.HasPrefix(segment, ".") {
			return true
		}
	}
	name := strings.ToLower(segments[len(segments)-1])
	for _, suffix := range backupSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func cleanPath(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	if name == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimPrefix(name, "/"))
}
