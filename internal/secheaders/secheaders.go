// Package secheaders resolves the browser security headers (CSP, HSTS,
// X-Frame-Options, Referrer-Policy) a response carries, from a route's own
// settings or the proxy-wide preset.
package secheaders

import (
	"net/http"
	"strings"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

const (
	PresetStrict     = "strict"
	PresetModerate   = "moderate"
	PresetPermissive = "permissive"
	PresetDisabled   = "disabled"
	PresetCustom     = "custom"
)

var presets = map[string]domain.SecurityHeaders{
	PresetStrict: {
		Preset:                  PresetStrict,
		ContentSecurityPolicy:   "default-src 'self'; script-src 'self' 'unsafe-inline' 'unsafe-eval'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; font-src 'self' data:; connect-src 'self'; frame-ancestors 'none'; base-uri 'self'; form-action 'self'",
		XFrameOptions:           "DENY",
		StrictTransportSecurity: "max-age=31536000; includeSubDomains; preload",
		ReferrerPolicy:          "strict-origin-when-cross-origin",
	},
	PresetModerate: {
		Preset:                  PresetModerate,
		ContentSecurityPolicy:   "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; font-src 'self' data:; connect-src 'self' https:; frame-ancestors 'self'",
		XFrameOptions:           "SAMEORIGIN",
		StrictTransportSecurity: "max-age=31536000; includeSubDomains",
		ReferrerPolicy:          "no-referrer-when-downgrade",
	},
	PresetPermissive: {
		Preset:                  PresetPermissive,
		ContentSecurityPolicy:   "default-src 'self'; script-src 'self' 'unsafe-inline' 'unsafe-eval' https:; style-src 'self' 'unsafe-inline' https:; img-src 'self' data: https:; font-src 'self' data: https:; connect-src 'self' https:; frame-ancestors *",
		XFrameOptions:           "ALLOW-FROM *",
		StrictTransportSecurity: "max-age=31536000",
		ReferrerPolicy:          "origin",
	},
	PresetDisabled: {Preset: PresetDisabled},
	PresetCustom:   {Preset: PresetCustom},
}

// ValidPreset reports whether name is a known preset. The empty name is
// valid and means no preset.
func ValidPreset(name string) bool {
	if name = normalize(name); name == "" {
		return true
	}
	_, ok := presets[name]
	return ok
}

// Preset returns the headers of a named preset.
func Preset(name string) (domain.SecurityHeaders, bool) {
	s, ok := presets[normalize(name)]
	return s, ok
}

// Resolve picks the headers for a response. A route with its own settings
// decides alone, even when they are empty; a nil route setting falls back
// to global. The result is false when no header applies.
func Resolve(route, global *domain.SecurityHeaders) (domain.SecurityHeaders, bool) {
	cfg := route
	if cfg == nil {
		cfg = global
	}
	if cfg == nil {
		return domain.SecurityHeaders{}, false
	}
	preset := normalize(cfg.Preset)
	if preset == PresetDisabled {
		return domain.SecurityHeaders{}, false
	}
	if cfg.HasHeaders() {
		return *cfg, true
	}
	s, ok := presets[preset]
	if !ok || !s.HasHeaders() {
		return domain.SecurityHeaders{}, false
	}
	return s, true
}

// Apply sets every non-empty header of s on h.
func Apply(h http.Header, s domain.SecurityHeaders) {
	set := func(key, value string) {
		if value != "" {
			h.Set(key, value)
		}
	}
	set("Content-Security-Policy", s.ContentSecurityPolicy)
	set("X-Frame-Options", s.XFrameOptions)
	set("Strict-Transport-Security", s.StrictTransportSecurity)
	set("Referrer-Policy", s.ReferrerPolicy)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
