package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "edge.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "edge.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("expected migrate to be idempotent: %v", err)
	}
}

func TestRouteUpsertFindAndList(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	route := domain.Route{
		Host:        "App.Example.com",
		Upstreams:   []string{"10.0.0.1:8080", "10.0.0.2:8080"},
		Project:     domain.TenantRef{ID: "p1", Name: "Shop", Slug: "shop"},
		Environment: domain.TenantRef{ID: "e1", Slug: "production"},
		Deployment:  domain.TenantRef{ID: "d1", Slug: "build-42"},
		Security:    &domain.SecurityHeaders{Preset: "strict", ReferrerPolicy: "no-referrer"},
		Enabled:     true,
	}
	if err := store.UpsertRoute(ctx, route); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertRoute(ctx, domain.Route{Host: "off.example.com", Upstreams: []string{"10.0.0.3:80"}}); err != nil {
		t.Fatal(err)
	}

	got, err := store.FindRoute(ctx, "app.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.Host != "app.example.com" || got.Kind != domain.RouteKindUpstream || len(got.Upstreams) != 2 || got.Upstreams[1] != "10.0.0.2:8080" {
		t.Fatalf("unexpected route %+v", got)
	}
	if got.Project.Slug != "shop" || got.Environment.ID != "e1" || got.Deployment.ID != "d1" || got.Deployment.Slug != "build-42" || !got.Enabled {
		t.Fatalf("unexpected tenant %+v", got)
	}
	if got.Security == nil || got.Security.Preset != "strict" || got.Security.ReferrerPolicy != "no-referrer" {
		t.Fatalf("unexpected security headers %+v", got.Security)
	}

	if _, err := store.FindRoute(ctx, "off.example.com"); !errors.Is(err, domain.ErrRouteNotFound) {
		t.Fatalf("disabled route should not be found, got %v", err)
	}
	list, err := store.ListRoutes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected only enabled routes, got %d", len(list))
	}
	all, err := store.ListAllRoutes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both routes, got %d", len(all))
	}
}

func TestUpsertRouteRejectsInvalid(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	cases := []domain.Route{
		{Host: "", Upstreams: []string{"a:1"}},
		{Host: "app.example.com"},
		{Host: "r.example.com", Kind: domain.RouteKindRedirect},
		{Host: "*.*.example.com", Upstreams: []string{"a:1"}},
	}
	for _, rt := range cases {
		if err := store.UpsertRoute(ctx, rt); !errors.Is(err, domain.ErrInvalidRoute) {
			t.Fatalf("expected ErrInvalidRoute for %+v, got %v", rt, err)
		}
	}
}

func TestChangeFeedFollowsWrites(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	start, err := store.LatestChangeID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if start != 0 {
		t.Fatalf("expected empty feed, got %d", start)
	}

	r := domain.Route{Host: "a.example.com", Upstreams: []string{"10.0.0.1:80"}, Enabled: true}
	if err := store.UpsertRoute(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Upstreams = []string{"10.0.0.2:80"}
	if err := store.UpsertRoute(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRoute(ctx, "a.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertCertificate(ctx, domain.Certificate{Domain: "a.example.com", CertPEM: "pem", KeyCiphertext: "ct"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RequestReload(ctx); err != nil {
		t.Fatal(err)
	}

	changes, err := store.ChangesSince(ctx, start, 100)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct{ host, action string }{
		{"a.example.com", domain.ChangeActionUpsert},
		{"a.example.com", domain.ChangeActionUpsert},
		{"a.example.com", domain.ChangeActionDelete},
		{"a.example.com", domain.ChangeActionCertificate},
		{domain.ReloadAllHost, domain.ChangeActionReload},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), changes)
	}
	for i, w := range want {
		if changes[i].Host != w.host || changes[i].Action != w.action {
			t.Fatalf("change %d: got %+v, want %v", i, changes[i], w)
		}
		if i > 0 && changes[i].ID <= changes[i-1].ID {
			t.Fatal("expected ascending ids")
		}
	}

	latest, err := store.LatestChangeID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest != changes[len(changes)-1].ID {
		t.Fatalf("latest id %d does not match last change %d", latest, changes[len(changes)-1].ID)
	}
	rest, err := store.ChangesSince(ctx, changes[1].ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].ID != changes[2].ID {
		t.Fatalf("unexpected paged changes %+v", rest)
	}

	if err := store.DeleteRoute(ctx, "missing.example.com"); !errors.Is(err, domain.ErrRouteNotFound) {
		t.Fatalf("expected ErrRouteNotFound, got %v", err)
	}
}

func TestIsHostRouted(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	for _, r := range []domain.Route{
		{Host: "app.example.com", Upstreams: []string{"a:1"}, Enabled: true},
		{Host: "*.preview.example.com", Upstreams: []string{"a:1"}, Enabled: true},
		{Host: "Bücher.example.com", Upstreams: []string{"a:1"}, Enabled: true},
		{Host: "*.Läden.example.com", Upstreams: []string{"a:1"}, Enabled: true},
	} {
		if err := store.UpsertRoute(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	cases := map[string]bool{
		"app.example.com":               true,
		"pr-1.preview.example.com":      true,
		"a.b.preview.example.com":       false,
		"preview.example.com":           false,
		"other.example.com":             false,
		"xn--bcher-kva.example.com":     true,
		"bücher.example.com":            true,
		"shop.xn--lden-loa.example.com": true,
	}
	for host, want := range cases {
		got, err := store.IsHostRouted(ctx, host)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("%s: got %v, want %v", host, got, want)
		}
	}
}

func TestCertificateRoundTrip(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.FindCertificate(ctx, "app.example.com"); !errors.Is(err, domain.ErrCertificateNotFound) {
		t.Fatalf("expected ErrCertificateNotFound, got %v", err)
	}

	expires := time.Now().Add(90 * 24 * time.Hour).UTC().Truncate(time.Second)
	cert := domain.Certificate{Domain: "*.example.com", CertPEM: "pem", KeyCiphertext: "ct", ExpiresAt: &expires}
	if err := store.UpsertCertificate(ctx, cert); err != nil {
		t.Fatal(err)
	}
	got, err := store.FindCertificate(ctx, "*.Example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CertificateStatusActive || got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected certificate %+v", got)
	}

	if err := store.SetCertificateStatus(ctx, "*.example.com", domain.CertificateStatusRevoked); err != nil {
		t.Fatal(err)
	}
	got, err = store.FindCertificate(ctx, "*.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CertificateStatusRevoked {
		t.Fatalf("expected revoked status, got %q", got.Status)
	}

	if err := store.UpsertCertificate(ctx, domain.Certificate{Domain: "Bücher.example.com", CertPEM: "pem", KeyCiphertext: "ct"}); err != nil {
		t.Fatal(err)
	}
	if got, err := store.FindCertificate(ctx, "xn--bcher-kva.example.com"); err != nil || got.Domain != "xn--bcher-kva.example.com" {
		t.Fatalf("expected unicode domain to be stored as punycode, got %+v, %v", got, err)
	}
}

func TestVisitorAndSessionUpsertKeepFirstValues(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	if err := store.UpsertVisitor(ctx, domain.Visitor{ID: "v1", ProjectID: "p1", FirstSeen: first, LastSeen: first, UserAgent: "ua1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertVisitor(ctx, domain.Visitor{ID: "v1", FirstSeen: later, LastSeen: later, UserAgent: "ua2"}); err != nil {
		t.Fatal(err)
	}
	v, err := store.FindVisitor(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.FirstSeen.Equal(first) || !v.LastSeen.Equal(later) || v.UserAgent != "ua2" || v.ProjectID != "p1" {
		t.Fatalf("unexpected visitor %+v", v)
	}

	sess := domain.Session{ID: "s1", VisitorID: "v1", StartedAt: first, LastSeen: first, ExpiresAt: first.Add(30 * time.Minute), Referrer: "https://search.example/"}
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	sess.StartedAt, sess.LastSeen, sess.ExpiresAt, sess.Referrer = later, later, later.Add(30*time.Minute), "https://other.example/"
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err := store.FindSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.StartedAt.Equal(first) || !got.LastSeen.Equal(later) || got.Referrer != "https://search.example/" {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestInsertProxyLogs(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC()
	entries := []domain.ProxyLogEntry{
		{RequestID: "r1", Method: "GET", Host: "a.example.com", Path: "/", StatusCode: 200, RoutingStatus: domain.RoutingStatusRouted, StartedAt: start, FinishedAt: start.Add(20 * time.Millisecond), ProjectID: "p1"},
		{
			RequestID: "r2", Method: "GET", Host: "b.example.com", Path: "/x", StatusCode: 404, RoutingStatus: domain.RoutingStatusNoRoute, StartedAt: start, FinishedAt: start, IsBot: true,
			RequestSource: domain.RequestSourceProxy, DeviceType: "crawler", BotName: "Googlebot", GeoLocationID: "geo-1",
		},
	}
	if err := store.InsertProxyLogs(ctx, entries); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertProxyLogs(ctx, nil); err != nil {
		t.Fatal(err)
	}

	got, err := store.RecentProxyLogs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].RequestID != "r2" || !got[0].IsBot || got[1].ProjectID != "p1" {
		t.Fatalf("unexpected logs %+v", got)
	}
	if e := got[0]; e.BotName != "Googlebot" || e.DeviceType != "crawler" || e.GeoLocationID != "geo-1" || e.RequestSource != "proxy" {
		t.Fatalf("expected enrichment fields to round trip, got %+v", e)
	}
	if got[1].Browser != "" || got[1].GeoLocationID != "" {
		t.Fatalf("expected empty enrichment to stay empty, got %+v", got[1])
	}
}

func TestAPIKeys(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "ops", "hash-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if k.Scope != "admin" {
		t.Fatalf("expected default admin scope, got %q", k.Scope)
	}
	got, err := store.ResolveAPIKey(ctx, "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != k.ID {
		t.Fatalf("unexpected key %+v", got)
	}
	if err := store.RevokeAPIKey(ctx, k.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ResolveAPIKey(ctx, "hash-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected revoked key to be unauthorized, got %v", err)
	}
	if err := store.RevokeAPIKey(ctx, k.ID); err == nil {
		t.Fatal("expected second revoke to fail")
	}
	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].RevokedAt == nil {
		t.Fatalf("unexpected keys %+v", keys)
	}

	pepper, err := store.ResolveServerPepper(ctx, "p1")
	if err != nil || pepper != "p1" {
		t.Fatalf("unexpected pepper %q %v", pepper, err)
	}
	if _, err := store.ResolveServerPepper(ctx, "p2"); err == nil {
		t.Fatal("expected pepper mismatch error")
	}
}

func TestBlockedNetworks(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.BlockNetwork(ctx, "192.0.2.0/24", "scanner"); err != nil {
		t.Fatal(err)
	}
	if err := store.BlockNetwork(ctx, "192.0.2.0/24", "abuse"); err != nil {
		t.Fatal(err)
	}
	nets, err := store.ListBlockedNetworks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nets) != 1 || nets[0].Reason != "abuse" {
		t.Fatalf("unexpected networks %+v", nets)
	}
	if err := store.UnblockNetwork(ctx, "192.0.2.0/24"); err != nil {
		t.Fatal(err)
	}
	if err := store.UnblockNetwork(ctx, "192.0.2.0/24"); err == nil {
		t.Fatal("expected second unblock to fail")
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	if err := store.UpsertSession(ctx, domain.Session{ID: "expired", VisitorID: "v", StartedAt: old, LastSeen: old, ExpiresAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertSession(ctx, domain.Session{ID: "live", VisitorID: "v", StartedAt: now, LastSeen: now, ExpiresAt: now.Add(2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertProxyLogs(ctx, []domain.ProxyLogEntry{
		{RequestID: "old", Method: "GET", Host: "h", Path: "/", RoutingStatus: domain.RoutingStatusRouted, StartedAt: old, FinishedAt: old},
		{RequestID: "new", Method: "GET", Host: "h", Path: "/", RoutingStatus: domain.RoutingStatusRouted, StartedAt: now, FinishedAt: now},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.RequestReload(ctx); err != nil {
		t.Fatal(err)
	}
	latest, _ := store.LatestChangeID(ctx)

	res, err := store.Prune(ctx, now.Add(time.Hour), Retention{RouteChanges: time.Minute, ProxyLogs: 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if res.Sessions != 1 || res.ProxyLogs != 1 {
		t.Fatalf("unexpected prune result %+v", res)
	}
	if _, err := store.FindSession(ctx, "live"); err != nil {
		t.Fatalf("live session should survive: %v", err)
	}
	after, err := store.LatestChangeID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after != latest {
		t.Fatalf("feed position must survive pruning: %d != %d", after, latest)
	}
}
