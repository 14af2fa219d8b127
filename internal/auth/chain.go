package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

// Scopes an admin principal can hold.
const (
	ScopeAdmin = "admin"
	ScopeRead  = "read"
)

// Principal is the authenticated caller of an admin request.
type Principal struct {
	ID        string
	Name      string
	Scope     string
	Plugin    string
	Anonymous bool
}

// CanWrite reports whether the principal may change proxy state.
func (p Principal) CanWrite() bool {
	return !p.Anonymous && p.Scope == ScopeAdmin
}

// Plugin recognises one kind of credential. Authenticate returns ok=false
// when the request carries nothing the plugin understands, so the chain can
// move on; a recognised but invalid credential is an error.
type Plugin interface {
	Name() string
	Priority() int
	Authenticate(r *http.Request) (p Principal, ok bool, err error)
}

// Chain runs plugins in descending priority. The first plugin that
// recognises the request decides the outcome.
type Chain struct {
	plugins []Plugin
	log     *slog.Logger
}

func NewChain(logger *slog.Logger, plugins ...Plugin) *Chain {
	sorted := append([]Plugin(nil), plugins...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Chain{plugins: sorted, log: logger}
}

// Plugins returns the plugin names in evaluation order.
func (c *Chain) Plugins() []string {
	out := make([]string, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, p.Name())
	}
	return out
}

func (c *Chain) Authenticate(r *http.Request) (Principal, error) {
	for _, p := range c.plugins {
		principal, ok, err := p.Authenticate(r)
		if err != nil {
			return Principal{}, err
		}
		if ok {
			principal.Plugin = p.Name()
			return principal, nil
		}
	}
	return Principal{}, domain.ErrUnauthorized
}

type principalKey struct{}

// FromContext returns the principal stored by [Chain.Require].
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require wraps next so it only runs for authenticated callers; write
// additionally demands a principal that [Principal.CanWrite].
func (c *Chain) Require(write bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := c.Authenticate(r)
		if err != nil {
			if !errors.Is(err, domain.ErrUnauthorized) {
				c.log.Warn("admin authentication failed", "path", r.URL.Path, "err", err)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="edgeproxy"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if write && !p.CanWrite() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// KeyStore resolves hashed API keys.
type KeyStore interface {
	ResolveAPIKey(ctx context.Context, keyHash string) (domain.APIKey, error)
}

// APIKeyPlugin authenticates "Authorization: Bearer <key>" headers.
type APIKeyPlugin struct {
	Store  KeyStore
	Pepper string
}

func (APIKeyPlugin) Name() string  { return "api_key" }
func (APIKeyPlugin) Priority() int { return 100 }

func (a APIKeyPlugin) Authenticate(r *http.Request) (Principal, bool, error) {
	key, ok := bearerToken(r)
	if !ok {
		return Principal{}, false, nil
	}
	k, err := a.Store.ResolveAPIKey(r.Context(), HashAPIKey(key, a.Pepper))
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return Principal{}, false, domain.ErrUnauthorized
		}
		return Principal{}, false, err
	}
	if k.RevokedAt != nil {
		return Principal{}, false, domain.ErrUnauthorized
	}
	scope := k.Scope
	if scope == "" {
		scope = ScopeAdmin
	}
	return Principal{ID: k.ID, Name: k.Name, Scope: scope}, true, nil
}

// AnonymousPlugin accepts every request as a read-only caller.
type AnonymousPlugin struct{}

func (AnonymousPlugin) Name() string  { return "anonymous" }
func (AnonymousPlugin) Priority() int { return 0 }

func (AnonymousPlugin) Authenticate(*http.Request) (Principal, bool, error) {
	return Principal{ID: "anonymous", Scope: ScopeRead, Anonymous: true}, true, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	key := strings.TrimSpace(authz[len(prefix):])
	return key, key != ""
}
