// Package routes holds the in-memory routing state of the edge proxy: the
// immutable route records, the DNS-style wildcard matcher, the concurrently
// readable route table and the listener that keeps it in sync with storage.
package routes

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/secheaders"
)

// Backend is one of [*Upstream], [*Redirect] or [*Static].
type Backend interface {
	backend()
}

// Upstream is a set of backend socket addresses selected round-robin.
type Upstream struct {
	addrs  []string
	cursor *atomic.Uint64
}

// NewUpstream returns an upstream backend. The address list must be non-empty.
func NewUpstream(addrs []string) (*Upstream, error) {
	clean := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			clean = append(clean, a)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("%w: upstream requires at least one address", domain.ErrInvalidRoute)
	}
	return &Upstream{addrs: clean, cursor: new(atomic.Uint64)}, nil
}

// Addresses returns a copy of the backend address list in order.
func (u *Upstream) Addresses() []string {
	out := make([]string, len(u.addrs))
	copy(out, u.addrs)
	return out
}

// Next returns the next address. The cursor is shared by every request for
// the record, so N consecutive calls visit each of N addresses once.
func (u *Upstream) Next() string {
	n := u.cursor.Add(1) - 1
	return u.addrs[n%uint64(len(u.addrs))]
}

func (*Upstream) backend() {}

// Redirect answers every request with a status code and Location header.
type Redirect struct {
	TargetURL  string
	StatusCode int
}

func (*Redirect) backend() {}

// Static serves files from a directory on the local filesystem.
type Static struct {
	Path string
}

func (*Static) backend() {}

// Tenant is the (project, environment, deployment) triple a route belongs to.
type Tenant struct {
	Project     domain.TenantRef
	Environment domain.TenantRef
	Deployment  domain.TenantRef
}

// Record is the routing decision for one hostname or wildcard pattern.
// Records are never mutated after construction; updates replace them.
type Record struct {
	Host    string
	Backend Backend
	Tenant  *Tenant

	// Security is nil when the route inherits the proxy-wide headers.
	Security *domain.SecurityHeaders
}

// Upstream returns the upstream backend, if that is the record's variant.
func (r *Record) Upstream() (*Upstream, bool) {
	u, ok := r.Backend.(*Upstream)
	return u, ok
}

// Redirect returns the redirect backend, if that is the record's variant.
func (r *Record) Redirect() (*Redirect, bool) {
	rd, ok := r.Backend.(*Redirect)
	return rd, ok
}

// Static returns the static backend, if that is the record's variant.
func (r *Record) Static() (*Static, bool) {
	s, ok := r.Backend.(*Static)
	return s, ok
}

// FromRoute converts a stored route into a record.
func FromRoute(rt domain.Route) (*Record, error) {
	host := strings.ToLower(strings.TrimSpace(rt.Host))
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", domain.ErrInvalidRoute)
	}

	rec := &Record{Host: host}
	switch rt.Kind {
	case domain.RouteKindUpstream, "":
		u, err := NewUpstream(rt.Upstreams)
		if err != nil {
			return nil, &domain.RouteError{Host: host, Op: "build", Err: err}
		}
		rec.Backend = u
	case domain.RouteKindRedirect:
		target := strings.TrimSpace(rt.RedirectURL)
		if target == "" {
			return nil, &domain.RouteError{Host: host, Op: "build", Err: fmt.Errorf("%w: redirect without target", domain.ErrInvalidRoute)}
		}
		rec.Backend = &Redirect{TargetURL: target, StatusCode: redirectStatus(rt.RedirectStatus)}
	case domain.RouteKindStatic:
		p := strings.TrimSpace(rt.StaticPath)
		if p == "" {
			return nil, &domain.RouteError{Host: host, Op: "build", Err: fmt.Errorf("%w: static route without path", domain.ErrInvalidRoute)}
		}
		rec.Backend = &Static{Path: p}
	default:
		return nil, &domain.RouteError{Host: host, Op: "build", Err: fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidRoute, rt.Kind)}
	}

	if rt.HasTenant() {
		rec.Tenant = &Tenant{Project: rt.Project, Environment: rt.Environment, Deployment: rt.Deployment}
	}
	if rt.Security != nil {
		if !secheaders.ValidPreset(rt.Security.Preset) {
			return nil, &domain.RouteError{Host: host, Op: "build", Err: fmt.Errorf("%w: unknown security preset %q", domain.ErrInvalidRoute, rt.Security.Preset)}
		}
		sec := *rt.Security
		rec.Security = &sec
	}
	return rec, nil
}

func redirectStatus(code int) int {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return code
	}
	return http.StatusFound
}
