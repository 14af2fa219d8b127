package routes

import (
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

func TestUpstreamRoundRobinCyclesAllAddresses(t *testing.T) {
	t.Parallel()

	addrs := []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80"}
	u, err := NewUpstream(addrs)
	if err != nil {
		t.Fatal(err)
	}
	// Advance the cursor to an arbitrary starting point first.
	u.Next()

	for round := 0; round < 3; round++ {
		seen := make(map[string]int)
		for i := 0; i < len(addrs); i++ {
			seen[u.Next()]++
		}
		for _, a := range addrs {
			if seen[a] != 1 {
				t.Fatalf("round %d: address %s visited %d times", round, a, seen[a])
			}
		}
	}
}

func TestUpstreamRoundRobinConcurrent(t *testing.T) {
	t.Parallel()

	addrs := []string{"a:1", "b:1", "c:1"}
	u, _ := NewUpstream(addrs)

	const perWorker = 300
	const workers = 8
	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[string]int)
			for i := 0; i < perWorker; i++ {
				local[u.Next()]++
			}
			mu.Lock()
			for k, v := range local {
				counts[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	want := perWorker * workers / len(addrs)
	for _, a := range addrs {
		if counts[a] != want {
			t.Fatalf("address %s: got %d selections, want %d", a, counts[a], want)
		}
	}
}

func TestNewUpstreamRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := NewUpstream([]string{" ", ""}); !errors.Is(err, domain.ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute, got %v", err)
	}
}

func TestFromRouteVariants(t *testing.T) {
	t.Parallel()

	up, err := FromRoute(domain.Route{
		Host:       "App.Example.com",
		Kind:       domain.RouteKindUpstream,
		Upstreams:  []string{"127.0.0.1:3000"},
		Project:    domain.TenantRef{ID: "p1", Slug: "shop"},
		Deployment: domain.TenantRef{ID: "d1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if up.Host != "app.example.com" {
		t.Fatalf("expected lower-cased host, got %q", up.Host)
	}
	if _, ok := up.Upstream(); !ok {
		t.Fatal("expected upstream backend")
	}
	if up.Tenant == nil || up.Tenant.Project.Slug != "shop" {
		t.Fatalf("expected tenant to be carried, got %+v", up.Tenant)
	}

	rd, err := FromRoute(domain.Route{Host: "old.example.com", Kind: domain.RouteKindRedirect, RedirectURL: "https://new.example.com", RedirectStatus: 301})
	if err != nil {
		t.Fatal(err)
	}
	redirect, ok := rd.Redirect()
	if !ok || redirect.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("unexpected redirect backend: %+v", rd.Backend)
	}
	if rd.Tenant != nil {
		t.Fatal("expected redirect without ids to have no tenant")
	}

	bad, err := FromRoute(domain.Route{Host: "odd.example.com", Kind: domain.RouteKindRedirect, RedirectURL: "/x", RedirectStatus: 200})
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := bad.Redirect(); r.StatusCode != http.StatusFound {
		t.Fatalf("expected non-redirect status to default to 302, got %d", r.StatusCode)
	}

	st, err := FromRoute(domain.Route{Host: "docs.example.com", Kind: domain.RouteKindStatic, StaticPath: "/srv/docs"})
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := st.Static(); !ok || s.Path != "/srv/docs" {
		t.Fatalf("unexpected static backend: %+v", st.Backend)
	}
}

func TestFromRouteErrors(t *testing.T) {
	t.Parallel()

	cases := []domain.Route{
		{Host: "", Kind: domain.RouteKindUpstream, Upstreams: []string{"a:1"}},
		{Host: "a.example.com", Kind: domain.RouteKindUpstream},
		{Host: "a.example.com", Kind: domain.RouteKindRedirect},
		{Host: "a.example.com", Kind: domain.RouteKindStatic},
		{Host: "a.example.com", Kind: "tcp"},
		{Host: "a.example.com", Upstreams: []string{"a:1"}, Security: &domain.SecurityHeaders{Preset: "paranoid"}},
	}
	for _, rt := range cases {
		if _, err := FromRoute(rt); !errors.Is(err, domain.ErrInvalidRoute) {
			t.Fatalf("FromRoute(%+v): expected ErrInvalidRoute, got %v", rt, err)
		}
	}
}
