// Package config parses edge proxy settings from EDGE_* environment
// variables with command-line flag overrides.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/edgeproxy/internal/seal"
	"github.com/koltyakov/edgeproxy/internal/secheaders"
)

type ProxyConfig struct {
	ListenHTTP  string
	ListenHTTPS string
	ListenAdmin string
	HTTP3       bool

	DBPath         string
	DBMaxOpenConns int
	DBMaxIdleConns int
	RoutesFile     string

	SealKey      string
	APIKeyPepper string
	// AdminAnonymousRead lets unauthenticated callers use read-only admin
	// endpoints.
	AdminAnonymousRead bool

	ACME         bool
	ACMEEmail    string
	CertCacheDir string

	PreviewDomain string
	StaticSPA     bool
	LogAssets     bool

	// SecurityHeaders names the preset for routes without their own.
	SecurityHeaders string

	LogLevel  string
	LogFormat string

	PollInterval         time.Duration
	BlockRefreshInterval time.Duration
	ShutdownTimeout      time.Duration
	CleanupInterval      time.Duration
	ChangeRetention      time.Duration
	ProxyLogRetention    time.Duration
}

const (
	defaultHTTPListen           = ":8080"
	defaultAdminListen          = "127.0.0.1:9090"
	defaultDBPath               = "./edgeproxy.db"
	defaultCertCacheDir         = "./cert"
	defaultDBMaxOpenConns       = 10
	defaultDBMaxIdleConns       = 10
	defaultPollInterval         = time.Second
	defaultBlockRefreshInterval = 30 * time.Second
	defaultShutdownTimeout      = 30 * time.Second
	defaultCleanupInterval      = 10 * time.Minute
	defaultChangeRetention      = 24 * time.Hour
	defaultProxyLogRetention    = 30 * 24 * time.Hour
)

func ParseProxyFlags(args []string) (ProxyConfig, error) {
	cfg := ProxyConfig{
		ListenHTTP:           envOrDefault("EDGE_LISTEN_HTTP", defaultHTTPListen),
		ListenHTTPS:          envOrDefault("EDGE_LISTEN_HTTPS", ""),
		ListenAdmin:          envOrDefault("EDGE_LISTEN_ADMIN", defaultAdminListen),
		HTTP3:                envBoolOrDefault("EDGE_HTTP3", false),
		DBPath:               envOrDefault("EDGE_DB_PATH", defaultDBPath),
		DBMaxOpenConns:       envIntOrDefault("EDGE_DB_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
		DBMaxIdleConns:       envIntOrDefault("EDGE_DB_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
		RoutesFile:           envOrDefault("EDGE_ROUTES_FILE", ""),
		SealKey:              envOrDefault("EDGE_SEAL_KEY", ""),
		APIKeyPepper:         envOrDefault("EDGE_API_KEY_PEPPER", ""),
		AdminAnonymousRead:   envBoolOrDefault("EDGE_ADMIN_ANONYMOUS_READ", false),
		ACME:                 envBoolOrDefault("EDGE_ACME", false),
		ACMEEmail:            envOrDefault("EDGE_ACME_EMAIL", ""),
		CertCacheDir:         envOrDefault("EDGE_CERT_CACHE_DIR", defaultCertCacheDir),
		PreviewDomain:        envOrDefault("EDGE_PREVIEW_DOMAIN", ""),
		StaticSPA:            envBoolOrDefault("EDGE_STATIC_SPA", true),
		LogAssets:            envBoolOrDefault("EDGE_LOG_ASSETS", false),
		SecurityHeaders:      envOrDefault("EDGE_SECURITY_HEADERS", secheaders.PresetModerate),
		LogLevel:             envOrDefault("EDGE_LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("EDGE_LOG_FORMAT", "text"),
		PollInterval:         envDurationOrDefault("EDGE_POLL_INTERVAL", defaultPollInterval),
		BlockRefreshInterval: envDurationOrDefault("EDGE_BLOCK_REFRESH_INTERVAL", defaultBlockRefreshInterval),
		ShutdownTimeout:      envDurationOrDefault("EDGE_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		CleanupInterval:      envDurationOrDefault("EDGE_CLEANUP_INTERVAL", defaultCleanupInterval),
		ChangeRetention:      envDurationOrDefault("EDGE_CHANGE_RETENTION", defaultChangeRetention),
		ProxyLogRetention:    envDurationOrDefault("EDGE_PROXY_LOG_RETENTION", defaultProxyLogRetention),
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenHTTP, "listen-http", cfg.ListenHTTP, "HTTP listen address (empty disables)")
	fs.StringVar(&cfg.ListenHTTPS, "listen-https", cfg.ListenHTTPS, "HTTPS listen address (empty disables)")
	fs.StringVar(&cfg.ListenAdmin, "listen-admin", cfg.ListenAdmin, "Admin API listen address (empty disables)")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "Also serve HTTP/3 on the HTTPS port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.RoutesFile, "routes-file", cfg.RoutesFile, "YAML file with additional routes (optional)")
	fs.StringVar(&cfg.SealKey, "seal-key", cfg.SealKey, "Master encryption key (64 hex chars)")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.BoolVar(&cfg.AdminAnonymousRead, "admin-anonymous-read", cfg.AdminAnonymousRead, "Allow unauthenticated read-only admin access")
	fs.BoolVar(&cfg.ACME, "acme", cfg.ACME, "Obtain certificates via ACME for routed hosts without a stored certificate")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", cfg.ACMEEmail, "ACME account email")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.PreviewDomain, "preview-domain", cfg.PreviewDomain, "Base domain of preview deployments")
	fs.BoolVar(&cfg.StaticSPA, "static-spa", cfg.StaticSPA, "Serve index.html for unknown extensionless static paths")
	fs.BoolVar(&cfg.LogAssets, "log-assets", cfg.LogAssets, "Write successful static asset requests to proxy logs")
	fs.StringVar(&cfg.SecurityHeaders, "security-headers", cfg.SecurityHeaders, "Security header preset: strict|moderate|permissive|disabled")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Route change feed poll interval")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown deadline")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c *ProxyConfig) validate() error {
	c.ListenHTTP = strings.TrimSpace(c.ListenHTTP)
	c.ListenHTTPS = strings.TrimSpace(c.ListenHTTPS)
	c.ListenAdmin = strings.TrimSpace(c.ListenAdmin)
	if c.ListenHTTP == "" && c.ListenHTTPS == "" {
		return errors.New("at least one of --listen-http or --listen-https is required")
	}
	if strings.TrimSpace(c.SealKey) == "" {
		return errors.New("missing --seal-key or EDGE_SEAL_KEY")
	}
	if _, err := seal.ParseKey(c.SealKey); err != nil {
		return fmt.Errorf("invalid seal key: %w", err)
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if c.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return errors.New("db max idle conns cannot exceed max open conns")
	}
	if c.HTTP3 && c.ListenHTTPS == "" {
		return errors.New("http3 requires --listen-https")
	}
	if c.ACME && c.ListenHTTPS == "" {
		return errors.New("acme requires --listen-https")
	}
	c.PreviewDomain = normalizeDomainHost(c.PreviewDomain)
	c.SecurityHeaders = strings.ToLower(strings.TrimSpace(c.SecurityHeaders))
	if !secheaders.ValidPreset(c.SecurityHeaders) || c.SecurityHeaders == secheaders.PresetCustom {
		return fmt.Errorf("unknown security headers preset %q", c.SecurityHeaders)
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return errors.New("log format must be one of: text, json")
	}
	for name, d := range map[string]time.Duration{
		"poll interval":          c.PollInterval,
		"block refresh interval": c.BlockRefreshInterval,
		"shutdown timeout":       c.ShutdownTimeout,
		"cleanup interval":       c.CleanupInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
