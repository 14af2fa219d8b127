// Package upstream turns a request host into a routing decision using the
// live route table.
package upstream

import (
	"github.com/koltyakov/edgeproxy/internal/routes"
)

// Kind is the resolved backend variant.
type Kind int

const (
	KindUpstream Kind = iota + 1
	KindRedirect
	KindStatic
)

func (k Kind) String() string {
	switch k {
	case KindUpstream:
		return "upstream"
	case KindRedirect:
		return "redirect"
	case KindStatic:
		return "static"
	}
	return "unknown"
}

// Resolved is the outcome of a successful resolution. Address is set for
// upstreams and is the round-robin selection for this request.
type Resolved struct {
	Kind    Kind
	Record  *routes.Record
	Address string
}

// Tenant returns the record's tenant, or nil.
func (r Resolved) Tenant() *routes.Tenant {
	if r.Record == nil {
		return nil
	}
	return r.Record.Tenant
}

// Resolver answers routing questions from a [routes.Table].
type Resolver struct {
	table *routes.Table
}

func NewResolver(table *routes.Table) *Resolver {
	return &Resolver{table: table}
}

// Resolve looks up host (exact, then wildcard) and, for upstream records,
// advances the record's round-robin cursor.
func (r *Resolver) Resolve(host string) (Resolved, bool) {
	rec, ok := r.table.Resolve(host)
	if !ok {
		return Resolved{}, false
	}
	switch b := rec.Backend.(type) {
	case *routes.Upstream:
		return Resolved{Kind: KindUpstream, Record: rec, Address: b.Next()}, true
	case *routes.Redirect:
		return Resolved{Kind: KindRedirect, Record: rec}, true
	case *routes.Static:
		return Resolved{Kind: KindStatic, Record: rec}, true
	}
	return Resolved{}, false
}

func (r *Resolver) IsStaticDeployment(host string) bool {
	_, ok := r.StaticPath(host)
	return ok
}

func (r *Resolver) StaticPath(host string) (string, bool) {
	rec, ok := r.table.Resolve(host)
	if !ok {
		return "", false
	}
	s, ok := rec.Static()
	if !ok {
		return "", false
	}
	return s.Path, true
}

func (r *Resolver) RedirectInfo(host string) (target string, status int, ok bool) {
	rec, found := r.table.Resolve(host)
	if !found {
		return "", 0, false
	}
	rd, isRedirect := rec.Redirect()
	if !isRedirect {
		return "", 0, false
	}
	return rd.TargetURL, rd.StatusCode, true
}

// TenantContext returns the tenant of the route serving host.
func (r *Resolver) TenantContext(host string) (*routes.Tenant, bool) {
	rec, ok := r.table.Resolve(host)
	if !ok || rec.Tenant == nil {
		return nil, false
	}
	return rec.Tenant, true
}
