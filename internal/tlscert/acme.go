package tlscert

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/edgeproxy/internal/netutil"
)

// HostAllowed reports whether an ACME certificate may be issued for host.
type HostAllowed func(ctx context.Context, host string) (bool, error)

// NewACMEManager returns an autocert manager that issues certificates only
// for hosts approved by allowed (normally: hosts with a route).
func NewACMEManager(cacheDir, email string, allowed HostAllowed) *autocert.Manager {
	return &autocert.Manager{
		Cache:  autocert.DirCache(cacheDir),
		Prompt: autocert.AcceptTOS,
		Email:  strings.TrimSpace(email),
		HostPolicy: func(ctx context.Context, host string) error {
			host = netutil.NormalizeHost(host)
			if host == "" {
				return errors.New("invalid host")
			}
			ok, err := allowed(ctx, host)
			if err != nil {
				return errors.New("failed to authorize host")
			}
			if !ok {
				return errors.New("host not allowed")
			}
			return nil
		},
	}
}
