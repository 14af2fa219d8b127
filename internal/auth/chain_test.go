package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
	ilog "github.com/koltyakov/edgeproxy/internal/log"
)

const testPepper = "pepper"

type fakeKeys map[string]domain.APIKey

func (f fakeKeys) ResolveAPIKey(_ context.Context, hash string) (domain.APIKey, error) {
	k, ok := f[hash]
	if !ok {
		return domain.APIKey{}, domain.ErrUnauthorized
	}
	return k, nil
}

func newTestChain(anonymous bool) *Chain {
	revoked := time.Now()
	keys := fakeKeys{
		HashAPIKey("admin-key", testPepper):   {ID: "k1", Name: "ops", Scope: ScopeAdmin},
		HashAPIKey("reader-key", testPepper):  {ID: "k2", Name: "dash", Scope: ScopeRead},
		HashAPIKey("revoked-key", testPepper): {ID: "k3", RevokedAt: &revoked},
	}
	plugins := []Plugin{APIKeyPlugin{Store: keys, Pepper: testPepper}}
	if anonymous {
		plugins = append([]Plugin{AnonymousPlugin{}}, plugins...)
	}
	return NewChain(ilog.Discard(), plugins...)
}

func TestChainOrdersByPriority(t *testing.T) {
	t.Parallel()

	c := newTestChain(true)
	if got := c.Plugins(); !reflect.DeepEqual(got, []string{"api_key", "anonymous"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestChainAuthenticate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		anonymous bool
		header    string
		wantID    string
		wantWrite bool
		wantErr   error
	}{
		{name: "admin key", header: "Bearer admin-key", wantID: "k1", wantWrite: true},
		{name: "lowercase scheme", header: "bearer admin-key", wantID: "k1", wantWrite: true},
		{name: "read key", header: "Bearer reader-key", wantID: "k2"},
		{name: "unknown key", header: "Bearer nope", wantErr: domain.ErrUnauthorized},
		{name: "unknown key with anonymous", anonymous: true, header: "Bearer nope", wantErr: domain.ErrUnauthorized},
		{name: "revoked key", header: "Bearer revoked-key", wantErr: domain.ErrUnauthorized},
		{name: "no credentials", wantErr: domain.ErrUnauthorized},
		{name: "anonymous fallback", anonymous: true, wantID: "anonymous"},
		{name: "basic is not bearer", anonymous: true, header: "Basic Zm9vOmJhcg==", wantID: "anonymous"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/v1/routes", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			p, err := newTestChain(tc.anonymous).Authenticate(r)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v (%+v)", tc.wantErr, err, p)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.ID != tc.wantID || p.CanWrite() != tc.wantWrite {
				t.Fatalf("unexpected principal %+v", p)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	t.Parallel()

	c := newTestChain(true)
	var seen Principal
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	read := c.Require(false, ok)
	rec := httptest.NewRecorder()
	read.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/routes", nil))
	if rec.Code != http.StatusNoContent || !seen.Anonymous {
		t.Fatalf("anonymous read should pass, got %d %+v", rec.Code, seen)
	}

	write := c.Require(true, ok)
	rec = httptest.NewRecorder()
	write.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/routes/reload", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous write should be forbidden, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/routes/reload", nil)
	req.Header.Set("Authorization", "Bearer admin-key")
	rec = httptest.NewRecorder()
	write.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen.ID != "k1" || seen.Plugin != "api_key" {
		t.Fatalf("admin write should pass, got %d %+v", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/routes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	read.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("bad key should be rejected, got %d", rec.Code)
	}
}
