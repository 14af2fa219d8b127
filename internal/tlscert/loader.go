// Package tlscert selects TLS certificates per handshake from encrypted
// bundles held in storage.
package tlscert

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/metrics"
	"github.com/koltyakov/edgeproxy/internal/netutil"
)

// Source returns the active certificate bundle stored for an exact domain or
// wildcard pattern, or domain.ErrCertificateNotFound.
type Source interface {
	FindCertificate(ctx context.Context, name string) (domain.Certificate, error)
}

// Opener decrypts a stored private key.
type Opener interface {
	Open(sealed string) ([]byte, error)
}

// FallbackFunc is consulted when storage has no certificate for the SNI name.
type FallbackFunc func(hello *tls.ClientHelloInfo) (*tls.Certificate, error)

type Config struct {
	CacheSize     int
	CacheTTL      time.Duration
	LookupTimeout time.Duration
	Fallback      FallbackFunc
	Metrics       *metrics.Metrics
}

const (
	defaultCacheSize     = 1024
	defaultCacheTTL      = 5 * time.Minute
	defaultLookupTimeout = 3 * time.Second
)

// cached is a storage lookup result. Misses are cached too so repeated
// handshakes for unknown names do not reach storage.
type cached struct {
	cert  domain.Certificate
	found bool
}

// Loader implements tls.Config.GetCertificate. Only encrypted rows are
// cached; the private key is decrypted and parsed on every handshake.
type Loader struct {
	src   Source
	keys  Opener
	cfg   Config
	cache *expirable.LRU[string, cached]
	log   *slog.Logger
	now   func() time.Time
}

func NewLoader(src Source, keys Opener, cfg Config, logger *slog.Logger) *Loader {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	return &Loader{
		src:   src,
		keys:  keys,
		cfg:   cfg,
		cache: expirable.NewLRU[string, cached](cfg.CacheSize, nil, cfg.CacheTTL),
		log:   logger,
		now:   time.Now,
	}
}

// GetCertificate tries the exact SNI name, then the covering wildcard.
func (l *Loader) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := netutil.NormalizeHost(hello.ServerName)
	if name == "" {
		l.cfg.Metrics.CertLookup("miss")
		return nil, errors.New("tls: missing or invalid server name")
	}

	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LookupTimeout)
	defer cancel()

	outcome := "hit"
	bundle, ok, err := l.lookup(ctx, name)
	if err == nil && !ok {
		if pattern, wildcardOK := WildcardFor(name); wildcardOK {
			outcome = "wildcard"
			bundle, ok, err = l.lookup(ctx, pattern)
		}
	}
	if err != nil {
		l.cfg.Metrics.CertLookup("error")
		l.log.Error("certificate lookup failed", "server_name", name, "err", err)
		return nil, fmt.Errorf("tls: certificate lookup for %s failed", name)
	}
	if !ok {
		if l.cfg.Fallback != nil {
			l.cfg.Metrics.CertLookup("fallback")
			return l.cfg.Fallback(hello)
		}
		l.cfg.Metrics.CertLookup("miss")
		l.log.Debug("no certificate for server name", "server_name", name)
		return nil, fmt.Errorf("tls: %w for %s", domain.ErrCertificateNotFound, name)
	}

	cert, err := l.materialize(bundle)
	if err != nil {
		l.cfg.Metrics.CertLookup("error")
		l.log.Error("certificate unusable", "server_name", name, "domain", bundle.Domain, "err", err)
		return nil, fmt.Errorf("tls: certificate for %s unusable", name)
	}
	l.cfg.Metrics.CertLookup(outcome)
	return cert, nil
}

// Invalidate drops the cached row for a domain or wildcard pattern.
func (l *Loader) Invalidate(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	l.cache.Remove(name)
}

// Purge drops every cached row.
func (l *Loader) Purge() {
	l.cache.Purge()
}

func (l *Loader) lookup(ctx context.Context, name string) (domain.Certificate, bool, error) {
	if c, ok := l.cache.Get(name); ok {
		return c.cert, c.found, nil
	}
	cert, err := l.src.FindCertificate(ctx, name)
	switch {
	case err == nil:
		if cert.Status != "" && cert.Status != domain.CertificateStatusActive {
			l.cache.Add(name, cached{})
			return domain.Certificate{}, false, nil
		}
		l.cache.Add(name, cached{cert: cert, found: true})
		return cert, true, nil
	case errors.Is(err, domain.ErrCertificateNotFound):
		l.cache.Add(name, cached{})
		return domain.Certificate{}, false, nil
	default:
		return domain.Certificate{}, false, err
	}
}

func (l *Loader) materialize(bundle domain.Certificate) (*tls.Certificate, error) {
	if bundle.ExpiresAt != nil && !l.now().Before(*bundle.ExpiresAt) {
		return nil, fmt.Errorf("certificate expired at %s", bundle.ExpiresAt.Format(time.RFC3339))
	}
	keyPEM, err := l.keys.Open(bundle.KeyCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return ParseKeyPair([]byte(bundle.CertPEM), keyPEM)
}

// ParseKeyPair parses a PEM chain (leaf first) and a PKCS#1, PKCS#8 or SEC1
// private key.
func ParseKeyPair(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	return &cert, nil
}

// WildcardFor returns the wildcard pattern covering name. Names whose parent
// has fewer than two labels ("example.com") have no wildcard.
func WildcardFor(name string) (string, bool) {
	idx := strings.IndexByte(name, '.')
	if idx <= 0 {
		return "", false
	}
	parent := name[idx+1:]
	if !strings.Contains(parent, ".") {
		return "", false
	}
	return "*." + parent, true
}
