package server

import (
	"crypto/tls"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/acme"
)

// tlsConfig serves stored certificates first. With ACME enabled, challenge
// handshakes go to the ACME manager and hosts without a stored certificate
// fall back to it through the loader.
func (s *Server) tlsConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.acme != nil {
		cfg = s.acme.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
	}
	cfg.GetCertificate = s.getCertificate
	return cfg
}

func (s *Server) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if s.acme != nil && slices.Contains(hello.SupportedProtos, acme.ALPNProto) {
		return s.acme.GetCertificate(hello)
	}
	return s.certs.GetCertificate(hello)
}

type handshakeClass int

const (
	handshakeFailure handshakeClass = iota
	// handshakeNoise is port scanners and clients that never finish a hello.
	handshakeNoise
	// handshakeUnknownHost is SNI for a name with no certificate.
	handshakeUnknownHost
	// handshakeProvisioning is a client rejecting the certificate served
	// while ACME issuance for a new host is still in flight.
	handshakeProvisioning
)

var noiseReasons = []string{
	"missing server name",
	"unsupported application protocols",
	"offered only unsupported versions",
	"no cipher suite supported by both client and server",
	"unsupported sslv2 handshake received",
	"connection reset by peer",
	"i/o timeout",
	"first record does not look like a tls handshake",
	"http request to an https server",
}

func classifyHandshake(reason string, acmeEnabled bool) handshakeClass {
	reason = strings.ToLower(strings.TrimSpace(reason))
	switch {
	case reason == "":
		return handshakeFailure
	case reason == "eof":
		return handshakeNoise
	case strings.Contains(reason, "certificate not found"), strings.Contains(reason, "host not allowed"):
		return handshakeUnknownHost
	}
	for _, r := range noiseReasons {
		if strings.Contains(reason, r) {
			return handshakeNoise
		}
	}
	if acmeEnabled && (strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "certificate is not standards compliant") ||
		strings.Contains(reason, "x509:")) {
		return handshakeProvisioning
	}
	return handshakeFailure
}

// handshakeLogWriter is the https server's ErrorLog sink. TLS handshake
// lines are parsed and logged at a level matching their cause; everything
// else is a warning.
type handshakeLogWriter struct {
	log          *slog.Logger
	acme         bool
	provisioning sync.Once
}

func newHTTPSErrorLogWriter(logger *slog.Logger, acmeEnabled bool) *handshakeLogWriter {
	return &handshakeLogWriter{log: logger.With("component", "https"), acme: acmeEnabled}
}

func (w *handshakeLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	_, payload, found := strings.Cut(line, marker)
	if !found {
		w.log.Warn("https server error", "err", line)
		return len(p), nil
	}
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return len(p), nil
	}
	addr = strings.TrimSpace(addr)
	reason = strings.TrimSpace(reason)

	switch classifyHandshake(reason, w.acme) {
	case handshakeNoise:
		w.log.Debug("tls handshake rejected", "remote_addr", addr, "reason", reason)
	case handshakeUnknownHost:
		w.log.Debug("tls handshake for unknown host", "remote_addr", addr, "reason", reason)
	case handshakeProvisioning:
		w.provisioning.Do(func() {
			w.log.Info("certificate issuance in progress for a new host; initial handshake failures are expected")
		})
		w.log.Info("tls handshake failed during certificate issuance", "remote_addr", addr, "reason", reason)
	default:
		w.log.Warn("tls handshake failed", "remote_addr", addr, "reason", reason)
	}
	return len(p), nil
}
