// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/idna"
)

const maxHostLength = 253

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
// Internationalized names are converted to their ASCII (punycode) form; an
// empty string is returned when the conversion fails.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return ""
		}
		host = ascii
	}
	return host
}

// ValidHost reports whether a normalized host can be used as a routing key.
func ValidHost(host string) bool {
	if host == "" || len(host) > maxHostLength {
		return false
	}
	if strings.ContainsAny(host, " /\\@?#*") || strings.Contains(host, "..") {
		return false
	}
	return !strings.HasPrefix(host, ".")
}

// ClientIP returns the originating client address. The first entry of a
// comma-separated X-Forwarded-For list is trusted when present; otherwise
// the connection's remote address is used.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return strings.TrimSpace(ip)
}

// ForwardedProto returns the request scheme. A valid inbound
// X-Forwarded-Proto value is trusted; otherwise the TLS state decides.
func ForwardedProto(r *http.Request) string {
	if r == nil {
		return "http"
	}
	switch proto := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))); proto {
	case "http", "https":
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isASCII(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] >= 0x80 {
			return false
		}
	}
	return true
}
