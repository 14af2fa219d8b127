package routes

import (
	"strings"
	"sync"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/netutil"
)

// previewAliases tracks the "<deployment-slug>.<preview domain>" hosts the
// listener installs next to routes that carry a deployment slug. An alias
// never replaces a route that is configured for that host directly.
type previewAliases struct {
	domain string

	mu     sync.Mutex
	byHost map[string]string // route host -> alias
	owner  map[string]string // alias -> route host
}

func newPreviewAliases(previewDomain string) *previewAliases {
	return &previewAliases{
		domain: netutil.NormalizeHost(previewDomain),
		byHost: make(map[string]string),
		owner:  make(map[string]string),
	}
}

// aliasFor returns the preview host for rt, or "" when none applies.
func (p *previewAliases) aliasFor(rt domain.Route) string {
	slug := strings.ToLower(strings.TrimSpace(rt.Deployment.Slug))
	if p.domain == "" || slug == "" || IsWildcardPattern(rt.Host) {
		return ""
	}
	alias := netutil.NormalizeHost(slug + "." + p.domain)
	if !netutil.ValidHost(alias) || alias == strings.ToLower(rt.Host) {
		return ""
	}
	return alias
}

// aliasSource pairs a stored route with the record built from it.
type aliasSource struct {
	route  domain.Route
	record *Record
}

// rebuild computes alias entries for a full load. explicit holds every host
// that has its own route.
func (p *previewAliases) rebuild(sources []aliasSource, explicit map[string]struct{}) []Entry {
	byHost := make(map[string]string)
	owner := make(map[string]string)
	var out []Entry
	for _, src := range sources {
		alias := p.aliasFor(src.route)
		if alias == "" {
			continue
		}
		if _, taken := explicit[alias]; taken {
			continue
		}
		if _, taken := owner[alias]; taken {
			continue
		}
		byHost[src.record.Host] = alias
		owner[alias] = src.record.Host
		out = append(out, Entry{Host: alias, Record: src.record})
	}

	p.mu.Lock()
	p.byHost = byHost
	p.owner = owner
	p.mu.Unlock()
	return out
}

// isAlias reports whether host is currently served as a preview alias.
func (p *previewAliases) isAlias(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.owner[host]
	return ok
}

// update moves host's alias after a targeted refresh. A refresh of a host
// that was itself an alias turns it into an explicit route.
func (p *previewAliases) update(t *Table, rt domain.Route, rec *Record) {
	host := rec.Host
	alias := p.aliasFor(rt)

	p.mu.Lock()
	defer p.mu.Unlock()
	if src, ok := p.owner[host]; ok {
		delete(p.owner, host)
		delete(p.byHost, src)
	}
	if old, ok := p.byHost[host]; ok && old != alias {
		delete(p.byHost, host)
		delete(p.owner, old)
		t.Delete(old)
	}
	if alias == "" {
		return
	}
	if src, ok := p.owner[alias]; ok && src != host {
		return
	}
	if _, ok := p.owner[alias]; !ok {
		if _, exists := t.Lookup(alias); exists {
			return
		}
	}
	p.byHost[host] = alias
	p.owner[alias] = host
	t.Set(alias, rec)
}

// drop removes the alias installed for host.
func (p *previewAliases) drop(t *Table, host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	alias, ok := p.byHost[host]
	if !ok {
		return
	}
	delete(p.byHost, host)
	delete(p.owner, alias)
	t.Delete(alias)
}
