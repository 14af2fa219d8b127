package domain

import (
	"errors"
	"testing"
	"time"
)

func TestRouteErrorMessage(t *testing.T) {
	t.Parallel()

	err := &RouteError{Host: "app.example.com", Op: "refresh", Err: ErrRouteNotFound}
	want := "route app.example.com: refresh: no matching route"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRouteErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &RouteError{Host: "a.example.com", Op: "build", Err: ErrInvalidRoute}
	if !errors.Is(err, ErrInvalidRoute) {
		t.Fatal("expected errors.Is to match ErrInvalidRoute")
	}
}

func TestRouteErrorWithoutHost(t *testing.T) {
	t.Parallel()

	err := &RouteError{Op: "load", Err: ErrDecrypt}
	want := "load: decrypt failed"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSentinelErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"route_not_found", ErrRouteNotFound, "no matching route"},
		{"invalid_host", ErrInvalidHost, "invalid host"},
		{"cert_not_found", ErrCertificateNotFound, "certificate not found"},
		{"decrypt", ErrDecrypt, "decrypt failed"},
		{"unauthorized", ErrUnauthorized, "unauthorized"},
		{"shutdown_timeout", ErrShutdownTimeout, "timeout exceeded, forcing shutdown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRouteHasTenant(t *testing.T) {
	t.Parallel()

	if (Route{Host: "old.example.com", Kind: RouteKindRedirect}).HasTenant() {
		t.Fatal("redirect without ids should not report a tenant")
	}
	r := Route{Host: "app.example.com", Deployment: TenantRef{ID: "dep_1"}}
	if !r.HasTenant() {
		t.Fatal("expected tenant when deployment id is set")
	}
}

func TestProxyLogEntryDuration(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := ProxyLogEntry{StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)}
	if got := e.Duration(); got != 1500*time.Millisecond {
		t.Fatalf("got %v", got)
	}
	e.FinishedAt = start.Add(-time.Second)
	if got := e.Duration(); got != 0 {
		t.Fatalf("expected zero for inverted timestamps, got %v", got)
	}
}
