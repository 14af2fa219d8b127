package tlscert

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
	ilog "github.com/koltyakov/edgeproxy/internal/log"
	"github.com/koltyakov/edgeproxy/internal/seal"
)

type fakeSource struct {
	mu    sync.Mutex
	certs map[string]domain.Certificate
	err   error
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{certs: make(map[string]domain.Certificate), calls: make(map[string]int)}
}

func (f *fakeSource) FindCertificate(_ context.Context, name string) (domain.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.err != nil {
		return domain.Certificate{}, f.err
	}
	c, ok := f.certs[name]
	if !ok {
		return domain.Certificate{}, domain.ErrCertificateNotFound
	}
	return c, nil
}

func (f *fakeSource) put(c domain.Certificate) {
	f.mu.Lock()
	f.certs[c.Domain] = c
	f.mu.Unlock()
}

func (f *fakeSource) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func testKeyBox(t *testing.T) *seal.Box {
	t.Helper()
	b, err := seal.New(bytes.Repeat([]byte{3}, seal.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// selfSigned returns PEM cert and key for names. keyFormat is "sec1",
// "pkcs8" or "pkcs1".
func selfSigned(t *testing.T, keyFormat string, names ...string) (certPEM, keyPEM []byte) {
	t.Helper()

	var (
		pub    any
		signer any
		keyDER []byte
		block  string
		err    error
	)
	switch keyFormat {
	case "pkcs1":
		k, genErr := rsa.GenerateKey(rand.Reader, 2048)
		if genErr != nil {
			t.Fatal(genErr)
		}
		pub, signer = &k.PublicKey, k
		keyDER, block = x509.MarshalPKCS1PrivateKey(k), "RSA PRIVATE KEY"
	default:
		k, genErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if genErr != nil {
			t.Fatal(genErr)
		}
		pub, signer = &k.PublicKey, k
		if keyFormat == "pkcs8" {
			keyDER, err = x509.MarshalPKCS8PrivateKey(k)
			block = "PRIVATE KEY"
		} else {
			keyDER, err = x509.MarshalECPrivateKey(k)
			block = "EC PRIVATE KEY"
		}
		if err != nil {
			t.Fatal(err)
		}
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, signer)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: block, Bytes: keyDER})
	return certPEM, keyPEM
}

func storedCert(t *testing.T, box *seal.Box, name, keyFormat string) domain.Certificate {
	t.Helper()
	certPEM, keyPEM := selfSigned(t, keyFormat, name)
	sealed, err := box.Seal(keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	expires := time.Now().Add(24 * time.Hour)
	return domain.Certificate{
		Domain:        name,
		CertPEM:       string(certPEM),
		KeyCiphertext: sealed,
		Status:        domain.CertificateStatusActive,
		ExpiresAt:     &expires,
	}
}

func hello(name string) *tls.ClientHelloInfo {
	return &tls.ClientHelloInfo{ServerName: name}
}

func leafNames(t *testing.T, c *tls.Certificate) []string {
	t.Helper()
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	return leaf.DNSNames
}

func TestLoaderExactAndWildcard(t *testing.T) {
	t.Parallel()

	box := testKeyBox(t)
	src := newFakeSource()
	src.put(storedCert(t, box, "app.example.com", "sec1"))
	src.put(storedCert(t, box, "*.example.com", "pkcs8"))
	l := NewLoader(src, box, Config{}, ilog.Discard())

	c, err := l.GetCertificate(hello("APP.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if names := leafNames(t, c); names[0] != "app.example.com" {
		t.Fatalf("expected exact certificate, got %v", names)
	}

	c, err = l.GetCertificate(hello("shop.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if names := leafNames(t, c); names[0] != "*.example.com" {
		t.Fatalf("expected wildcard certificate, got %v", names)
	}

	if _, err := l.GetCertificate(hello("a.b.example.com")); !errors.Is(err, domain.ErrCertificateNotFound) {
		t.Fatalf("expected two-level name to miss, got %v", err)
	}
}

func TestLoaderNoWildcardForTwoLabelNames(t *testing.T) {
	t.Parallel()

	box := testKeyBox(t)
	src := newFakeSource()
	src.put(storedCert(t, box, "*.com", "sec1"))
	l := NewLoader(src, box, Config{}, ilog.Discard())

	if _, err := l.GetCertificate(hello("example.com")); err == nil {
		t.Fatal("expected no certificate for example.com")
	}
	if src.callCount("*.com") != 0 {
		t.Fatal("expected *.com never to be consulted")
	}
}

func TestLoaderRSAKey(t *testing.T) {
	t.Parallel()

	box := testKeyBox(t)
	src := newFakeSource()
	src.put(storedCert(t, box, "rsa.example.com", "pkcs1"))
	l := NewLoader(src, box, Config{}, ilog.Discard())

	if _, err := l.GetCertificate(hello("rsa.example.com")); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderCacheAndInvalidate(t *testing.T) {
	t.Parallel()

	box := testKeyBox(t)
	src := newFakeSource()
	l := NewLoader(src, box, Config{}, ilog.Discard())

	if _, err := l.GetCertificate(hello("new.example.com")); err == nil {
		t.Fatal("expected miss before the certificate exists")
	}
	if _, err := l.GetCertificate(hello("new.example.com")); err == nil {
		t.Fatal("expected cached miss")
	}
	if n := src.callCount("new.example.com"); n != 1 {
		t.Fatalf("expected one storage lookup, got %d", n)
	}

	src.put(storedCert(t, box, "new.example.com", "sec1"))
	l.Invalidate("new.example.com")
	if _, err := l.GetCertificate(hello("new.example.com")); err != nil {
		t.Fatalf("expected certificate after invalidate, got %v", err)
	}
}

func TestLoaderStorageErrorNotCached(t *testing.T) {
	t.Parallel()

	box := testKeyBox(t)
	src := newFakeSource()
	src.put(storedCert(t, box, "app.example.com", "sec1"))
	src.err = errors.New("database is locked")
	l := NewLoader(src, box, Config{}, ilog.Discard())

	if _, err := l.GetCertificate(hello("app.example.com")); err == nil {
		t.Fatal("expected lookup error")
	}
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	if _, err := l.GetCertificate(hello("app.example.com")); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestLoaderRejectsTamperedOrExpired(t *testing.T) {
	t.Parallel()

	box := testKeyBox(t)
	src := newFakeSource()

	tampered := storedCert(t, box, "bad.example.com", "sec1")
	first := "A"
	if tampered.KeyCiphertext[0] == 'A' {
		first = "B"
	}
	tampered.KeyCiphertext = first + tampered.KeyCiphertext[1:]
	src.put(tampered)

	expired := storedCert(t, box, "old.example.com", "sec1")
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	src.put(expired)

	revoked := storedCert(t, box, "revoked.example.com", "sec1")
	revoked.Status = domain.CertificateStatusRevoked
	src.put(revoked)

	l := NewLoader(src, box, Config{}, ilog.Discard())
	for _, name := range []string{"bad.example.com", "old.example.com", "revoked.example.com", ""} {
		if c, err := l.GetCertificate(hello(name)); err == nil || c != nil {
			t.Fatalf("%q: expected failure, got %v, %v", name, c, err)
		}
	}
}

func TestLoaderFallback(t *testing.T) {
	t.Parallel()

	box := testKeyBox(t)
	certPEM, keyPEM := selfSigned(t, "sec1", "acme.example.com")
	fallbackCert, err := ParseKeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	var called bool
	l := NewLoader(newFakeSource(), box, Config{Fallback: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		called = true
		return fallbackCert, nil
	}}, ilog.Discard())

	got, err := l.GetCertificate(hello("acme.example.com"))
	if err != nil || got != fallbackCert || !called {
		t.Fatalf("expected fallback certificate, got %v, %v", got, err)
	}
}

func TestWildcardFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"api.example.com", "*.example.com", true},
		{"a.b.example.co.uk", "*.b.example.co.uk", true},
		{"example.com", "", false},
		{"localhost", "", false},
	}
	for _, tt := range tests {
		got, ok := WildcardFor(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("WildcardFor(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
