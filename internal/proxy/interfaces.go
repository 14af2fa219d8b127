package proxy

import (
	"net/http"
	"sync"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/identity"
	"github.com/koltyakov/edgeproxy/internal/upstream"
)

// RouteResolver maps a normalised host to a routing decision.
type RouteResolver interface {
	Resolve(host string) (upstream.Resolved, bool)
}

// RequestLogger receives one entry per completed request. Log must not block.
type RequestLogger interface {
	Log(entry domain.ProxyLogEntry)
}

// IdentityManager issues visitor and session cookies.
type IdentityManager interface {
	Resolve(r *http.Request, projectID string) identity.Identity
	Apply(h http.Header, id identity.Identity, secure bool)
}

// StaticServer returns the file handler for a deployment directory.
type StaticServer interface {
	Handler(root string) http.Handler
}

// StaticResolver is a RouteResolver over a fixed host map, for tests and
// single-purpose embeddings.
type StaticResolver map[string]upstream.Resolved

func (s StaticResolver) Resolve(host string) (upstream.Resolved, bool) {
	r, ok := s[host]
	return r, ok
}

// MemoryLogger keeps entries in memory.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []domain.ProxyLogEntry
	notify  chan struct{}
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{notify: make(chan struct{}, 1)}
}

func (m *MemoryLogger) Log(entry domain.ProxyLogEntry) {
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Entries returns a copy of the logged entries.
func (m *MemoryLogger) Entries() []domain.ProxyLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ProxyLogEntry(nil), m.entries...)
}

// Notify receives a value after entries are logged.
func (m *MemoryLogger) Notify() <-chan struct{} {
	return m.notify
}

type nopLogger struct{}

func (nopLogger) Log(domain.ProxyLogEntry) {}

type nopIdentity struct{}

func (nopIdentity) Resolve(*http.Request, string) identity.Identity { return identity.Identity{} }
func (nopIdentity) Apply(http.Header, identity.Identity, bool)      {}
