// Package domain defines the core data types shared across the edge proxy
// store, routing, identity and logging layers.
package domain

import "time"

// Route kind constants describe which backend variant a stored route uses.
const (
	RouteKindUpstream = "upstream"
	RouteKindRedirect = "redirect"
	RouteKindStatic   = "static"
)

// Certificate status constants track whether a certificate may be served.
const (
	CertificateStatusActive  = "active"
	CertificateStatusPending = "pending"
	CertificateStatusRevoked = "revoked"
)

// Change action constants label rows on the route change feed.
const (
	ChangeActionUpsert      = "upsert"
	ChangeActionDelete      = "delete"
	ChangeActionCertificate = "certificate"
	ChangeActionReload      = "reload"
)

// ReloadAllHost is the host value of a change that requests a full reload.
const ReloadAllHost = "*"

// Routing status values recorded on proxy log entries.
const (
	RoutingStatusRouted     = "routed"
	RoutingStatusRedirected = "redirected"
	RoutingStatusStatic     = "static_file"
	RoutingStatusNoRoute    = "no_route"
	RoutingStatusBadHost    = "invalid_host"
	RoutingStatusBlocked    = "blocked"
	RoutingStatusError      = "error"
)

// RequestSourceProxy marks entries written by the public listeners.
const RequestSourceProxy = "proxy"

// APIKey represents an admin API credential.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	Scope     string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// TenantRef identifies one level of the tenant hierarchy.
type TenantRef struct {
	ID   string
	Name string
	Slug string
}

// Route is the persisted, flattened routing row the proxy consumes. Host may
// be an exact hostname or a "*.base" wildcard pattern.
type Route struct {
	Host           string
	Kind           string
	Upstreams      []string
	RedirectURL    string
	RedirectStatus int
	StaticPath     string
	Project        TenantRef
	Environment    TenantRef
	Deployment     TenantRef

	// Security overrides the proxy-wide security headers. Nil inherits them.
	Security  *SecurityHeaders
	Enabled   bool
	UpdatedAt time.Time
}

// SecurityHeaders selects the browser security headers added to responses.
// Individual headers, when any is set, are used as given; otherwise Preset
// names the set. Preset "disabled" turns them all off.
type SecurityHeaders struct {
	Preset                  string `json:"preset,omitempty"`
	ContentSecurityPolicy   string `json:"content_security_policy,omitempty"`
	XFrameOptions           string `json:"x_frame_options,omitempty"`
	StrictTransportSecurity string `json:"strict_transport_security,omitempty"`
	ReferrerPolicy          string `json:"referrer_policy,omitempty"`
}

// HasHeaders reports whether any individual header is set.
func (s SecurityHeaders) HasHeaders() bool {
	return s.ContentSecurityPolicy != "" || s.XFrameOptions != "" ||
		s.StrictTransportSecurity != "" || s.ReferrerPolicy != ""
}

// HasTenant reports whether the route carries tenant identifiers.
func (r Route) HasTenant() bool {
	return r.Project.ID != "" || r.Environment.ID != "" || r.Deployment.ID != ""
}

// RouteChange is one entry of the storage change-notification feed.
type RouteChange struct {
	ID        int64
	Host      string
	Action    string
	CreatedAt time.Time
}

// Certificate is a stored TLS certificate with an encrypted private key.
type Certificate struct {
	Domain        string
	CertPEM       string
	KeyCiphertext string
	Status        string
	ExpiresAt     *time.Time
	UpdatedAt     time.Time
}

// Visitor is an anonymous, cookie-carried visitor identity.
type Visitor struct {
	ID        string
	ProjectID string
	FirstSeen time.Time
	LastSeen  time.Time
	UserAgent string
	IP        string
}

// Session is a short-lived browsing session belonging to a visitor.
type Session struct {
	ID        string
	VisitorID string
	StartedAt time.Time
	LastSeen  time.Time
	ExpiresAt time.Time
	Referrer  string
}

// ProxyLogEntry is the immutable record of one completed request.
type ProxyLogEntry struct {
	RequestID     string
	ProjectID     string
	EnvironmentID string
	DeploymentID  string
	Method        string
	Host          string
	Path          string
	Query         string
	StatusCode    int
	RoutingStatus string
	StartedAt     time.Time
	FinishedAt    time.Time
	BytesIn       int64
	BytesOut      int64
	UserAgent     string
	Referrer      string
	ClientIP      string
	Upstream      string
	Error         string
	VisitorID     string
	SessionID     string
	IsBot         bool

	// RequestSource names the listener that produced the entry.
	RequestSource string
	// The fields below are filled in by the proxy log service before the
	// entry is stored.
	Browser         string
	BrowserVersion  string
	OperatingSystem string
	DeviceType      string
	BotName         string
	// GeoLocationID references the stored location of ClientIP.
	GeoLocationID string
}

// Duration returns the elapsed time between start and finish.
func (e ProxyLogEntry) Duration() time.Duration {
	if e.FinishedAt.Before(e.StartedAt) {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// BlockedNetwork is an IP address or CIDR that must not reach any route.
type BlockedNetwork struct {
	CIDR      string
	Reason    string
	CreatedAt time.Time
}
