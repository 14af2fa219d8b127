package static

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func get(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStaticServesFilesAndIndexes(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"index.html":        "<h1>home</h1>",
		"docs/index.html":   "<h1>docs</h1>",
		"assets/app.js":     "console.log(1)",
		".env":              "SECRET=1",
		".git/config":       "[core]",
		"assets/app.js.bak": "old",
	})
	h := NewServer(false).Handler(root)

	tests := []struct {
		target string
		code   int
		body   string
	}{
		{"/", http.StatusOK, "home"},
		{"/assets/app.js", http.StatusOK, "console.log"},
		{"/docs/", http.StatusOK, "docs"},
		{"/docs", http.StatusMovedPermanently, ""},
		{"/.env", http.StatusNotFound, ""},
		{"/.git/config", http.StatusNotFound, ""},
		{"/assets/app.js.bak", http.StatusNotFound, ""},
		{"/../../etc/passwd", http.StatusNotFound, ""},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := get(t, h, http.MethodGet, tt.target)
		if rec.Code != tt.code {
			t.Fatalf("%s: got %d, want %d", tt.target, rec.Code, tt.code)
		}
		if tt.body != "" && !strings.Contains(rec.Body.String(), tt.body) {
			t.Fatalf("%s: body %q missing %q", tt.target, rec.Body.String(), tt.body)
		}
	}

	if rec := get(t, h, http.MethodGet, "/"); rec.Header().Get("Cache-Control") != "no-cache" {
		t.Fatalf("expected html to revalidate, got %q", rec.Header().Get("Cache-Control"))
	}
	if rec := get(t, h, http.MethodPost, "/"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rec.Code)
	}
}

func TestStaticSPAFallback(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"index.html":    "<div id=app></div>",
		"assets/app.js": "x",
	})
	h := NewServer(true).Handler(root)

	if rec := get(t, h, http.MethodGet, "/dashboard/settings"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "id=app") {
		t.Fatalf("expected SPA fallback, got %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, http.MethodGet, "/assets/missing.js"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected missing asset to 404, got %d", rec.Code)
	}
	if rec := get(t, h, http.MethodGet, "/.env"); rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "SECRET") {
		t.Fatal("hidden files must never be served")
	}
}

func TestServerCachesHandlers(t *testing.T) {
	t.Parallel()

	s := NewServer(false)
	a := s.Handler("/srv/a")
	if s.Handler("/srv/a/") != a {
		t.Fatal("expected cleaned roots to share a handler")
	}
	s.Forget(func(root string) bool { return root != "/srv/a" })
	if s.Handler("/srv/a") == a {
		t.Fatal("expected forgotten handler to be rebuilt")
	}
	a = s.Handler("/srv/a")
	b := s.Handler("/srv/b")
	s.Drop("/srv/a/")
	if s.Handler("/srv/b") != b {
		t.Fatal("expected drop to leave other roots cached")
	}
	if s.Handler("/srv/a") == a {
		t.Fatal("expected dropped handler to be rebuilt")
	}
}

func TestCacheControl(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"/index.html":               "no-cache",
		"/docs/index.html":          "no-cache",
		"/assets/app.js":            cacheImmutable,
		"/_next/static/chunks/a.js": cacheImmutable,
		"/js/main.3f9a2c1d.js":      cacheImmutable,
		"/index-BdG3xK9a.css":       cacheImmutable,
		"/vendor.chunk.js":          cacheImmutable,
		"/logo.png":                 cacheRevalidate,
		"/my-component.js":          cacheRevalidate,
		"/jquery-3.7.1.min.js":      cacheRevalidate,
	}
	for name, want := range tests {
		if got := cacheControl(name); got != want {
			t.Errorf("cacheControl(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestStaticConditionalAndCompressed(t *testing.T) {
	t.Parallel()

	css := strings.Repeat("body { color: #333; margin: 0 auto; }\n", 100)
	root := writeTree(t, map[string]string{
		"assets/site.css": css,
		"tiny.txt":        "hi",
	})
	h := NewServer(false).Handler(root)

	first := get(t, h, http.MethodGet, "/assets/site.css")
	etag := first.Header().Get("ETag")
	if first.Code != http.StatusOK || !strings.HasPrefix(etag, `W/"`) {
		t.Fatalf("expected a weak etag, got %d %q", first.Code, etag)
	}
	if got := first.Header().Get("Cache-Control"); got != cacheImmutable {
		t.Fatalf("expected immutable caching for assets, got %q", got)
	}
	if first.Header().Get("Content-Encoding") != "" {
		t.Fatal("expected identity encoding without Accept-Encoding")
	}

	req := httptest.NewRequest(http.MethodGet, "/assets/site.css", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified || rec.Body.Len() != 0 {
		t.Fatalf("expected 304 for a matching etag, got %d with %d bytes", rec.Code, rec.Body.Len())
	}

	req = httptest.NewRequest(http.MethodGet, "/assets/site.css", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, got %d %v", rec.Code, rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Vary"), "Accept-Encoding") {
		t.Fatalf("expected Vary: Accept-Encoding, got %v", rec.Header().Values("Vary"))
	}
	compressed := rec.Body.Len()
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil || string(plain) != css {
		t.Fatalf("gzip body mismatch: %v", err)
	}
	if compressed >= len(css) {
		t.Fatalf("expected compressed body to be smaller than %d, got %d", len(css), compressed)
	}

	req = httptest.NewRequest(http.MethodGet, "/tiny.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "" || rec.Body.String() != "hi" {
		t.Fatalf("expected small files to skip compression, got %v %q", rec.Header(), rec.Body.String())
	}
}
