// Package proxy is the request path of the edge proxy: it resolves the
// request host to a route and then redirects, serves static files or streams
// the exchange to an upstream backend.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/identity"
	"github.com/koltyakov/edgeproxy/internal/metrics"
	"github.com/koltyakov/edgeproxy/internal/netutil"
	"github.com/koltyakov/edgeproxy/internal/secheaders"
	"github.com/koltyakov/edgeproxy/internal/upstream"
)

const (
	defaultDialTimeout           = 5 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
	maxRequestIDLength           = 128
)

type Config struct {
	// Transport overrides the backend transport built from the timeouts.
	Transport             http.RoundTripper
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration

	Static   StaticServer
	Identity IdentityManager
	Requests RequestLogger
	Metrics  *metrics.Metrics

	// SecurityHeaders applies to routes without their own settings.
	SecurityHeaders *domain.SecurityHeaders
}

// Handler is the public HTTP handler of the proxy.
type Handler struct {
	routes   RouteResolver
	static   StaticServer
	identity IdentityManager
	requests RequestLogger
	metrics  *metrics.Metrics
	security *domain.SecurityHeaders
	log      *slog.Logger
	rp       *httputil.ReverseProxy
	now      func() time.Time

	targets sync.Map // address -> *url.URL
}

func NewHandler(routes RouteResolver, cfg Config, logger *slog.Logger) *Handler {
	h := &Handler{
		routes:   routes,
		static:   cfg.Static,
		identity: cfg.Identity,
		requests: cfg.Requests,
		metrics:  cfg.Metrics,
		security: cfg.SecurityHeaders,
		log:      logger,
		now:      time.Now,
	}
	if h.identity == nil {
		h.identity = nopIdentity{}
	}
	if h.requests == nil {
		h.requests = nopLogger{}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = newTransport(cfg.DialTimeout, cfg.ResponseHeaderTimeout)
	}
	h.rp = &httputil.ReverseProxy{
		Rewrite:        h.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.proxyError,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	return h
}

func newTransport(dialTimeout, headerTimeout time.Duration) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	if headerTimeout <= 0 {
		headerTimeout = defaultResponseHeaderTimeout
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
}

type exchangeKey struct{}

// exchange is the per-request state carried through the reverse proxy hooks.
type exchange struct {
	id      string
	in      *http.Request
	start   time.Time
	state   State
	branch  State
	failure string
	errMsg  string
	host    string
	route   upstream.Resolved
	target  *url.URL
	upgrade bool
	ident   identity.Identity
	body    *countingBody
	rec     *responseRecorder
}

func (x *exchange) to(s State) {
	if !x.state.next(s) {
		return
	}
	switch s {
	case StateStaticServe, StateRedirected, StateProxying:
		x.branch = s
	}
	x.state = s
}

func (x *exchange) fail(routingStatus, msg string) {
	x.to(StateFailed)
	x.failure = routingStatus
	if x.errMsg == "" {
		x.errMsg = msg
	}
}

func exchangeFrom(ctx context.Context) *exchange {
	x, _ := ctx.Value(exchangeKey{}).(*exchange)
	return x
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := newResponseRecorder(w)
	x := &exchange{id: requestID(r), in: r, start: h.now(), rec: rec}
	rec.Header().Set("X-Request-ID", x.id)
	if r.Body != nil && r.Body != http.NoBody {
		x.body = &countingBody{ReadCloser: r.Body}
		r.Body = x.body
	}
	defer h.finish(x)

	host := requestHost(r)
	if host == "" {
		x.fail(domain.RoutingStatusBadHost, domain.ErrInvalidHost.Error())
		writeError(rec, http.StatusBadRequest, "invalid host")
		return
	}
	x.host = host
	x.to(StateHostResolved)

	route, ok := h.routes.Resolve(host)
	if !ok {
		x.fail(domain.RoutingStatusNoRoute, domain.ErrRouteNotFound.Error())
		writeError(rec, http.StatusNotFound, domain.ErrRouteNotFound.Error())
		return
	}
	x.route = route
	x.to(StateRouteResolved)

	switch route.Kind {
	case upstream.KindRedirect:
		h.serveRedirect(rec, x)
	case upstream.KindStatic:
		h.serveStatic(rec, r, x)
	case upstream.KindUpstream:
		h.serveUpstream(rec, r, x)
	default:
		x.fail(domain.RoutingStatusError, "unsupported route kind")
		writeError(rec, http.StatusBadGateway, "bad gateway")
	}
}

func (h *Handler) serveRedirect(w http.ResponseWriter, x *exchange) {
	rd, ok := x.route.Record.Redirect()
	if !ok {
		x.fail(domain.RoutingStatusError, "redirect route without target")
		writeError(w, http.StatusBadGateway, "bad gateway")
		return
	}
	x.to(StateRedirected)
	w.Header().Set("Location", rd.TargetURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	h.decorate(x, w.Header())
	w.WriteHeader(rd.StatusCode)
	x.to(StateCompleted)
}

func (h *Handler) serveStatic(w *responseRecorder, r *http.Request, x *exchange) {
	st, ok := x.route.Record.Static()
	if !ok || h.static == nil {
		x.fail(domain.RoutingStatusError, "static serving unavailable")
		writeError(w, http.StatusNotFound, domain.ErrRouteNotFound.Error())
		return
	}
	x.to(StateStaticServe)
	w.beforeHeader = func(status int, header http.Header) {
		h.decorate(x, header)
		h.track(x, header, header.Get("Content-Type"), status)
	}
	h.static.Handler(st.Path).ServeHTTP(w, r)
	x.to(StateCompleted)
}

func (h *Handler) serveUpstream(w http.ResponseWriter, r *http.Request, x *exchange) {
	target, err := h.targetURL(x.route.Address)
	if err != nil {
		x.fail(domain.RoutingStatusError, err.Error())
		h.log.Error("invalid upstream address", h.tenantAttrs(x, "address", x.route.Address, "err", err)...)
		writeError(w, http.StatusBadGateway, "bad gateway")
		return
	}
	x.target = target
	x.upgrade = websocket.IsWebSocketUpgrade(r)
	x.to(StateProxying)

	h.rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), exchangeKey{}, x)))
	x.to(StateCompleted)
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	x := exchangeFrom(pr.In.Context())
	pr.SetURL(x.target)
	pr.Out.Host = pr.In.Host
	pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
	pr.SetXForwarded()
	pr.Out.Header.Set("X-Forwarded-Proto", netutil.ForwardedProto(pr.In))
	pr.Out.Header.Set("X-Request-ID", x.id)
}

func (h *Handler) modifyResponse(resp *http.Response) error {
	x := exchangeFrom(resp.Request.Context())
	if x == nil {
		return nil
	}
	resp.Header.Del("X-Request-ID")
	ct := resp.Header.Get("Content-Type")
	if isEventStream(ct) {
		setIfMissing(resp.Header, "Cache-Control", "no-cache")
		setIfMissing(resp.Header, "X-Accel-Buffering", "no")
	}
	h.decorate(x, resp.Header)
	if resp.StatusCode != http.StatusSwitchingProtocols && !x.upgrade {
		h.track(x, resp.Header, ct, resp.StatusCode)
	}
	return nil
}

// decorate stamps routed responses with the tenant ids, the security headers
// of the route and the time spent so far.
func (h *Handler) decorate(x *exchange, header http.Header) {
	var own *domain.SecurityHeaders
	if x.route.Record != nil {
		own = x.route.Record.Security
	}
	if t := x.route.Tenant(); t != nil {
		setIfNotEmpty(header, "X-Project-ID", t.Project.ID)
		setIfNotEmpty(header, "X-Environment-ID", t.Environment.ID)
		setIfNotEmpty(header, "X-Deployment-ID", t.Deployment.ID)
	}
	if sec, ok := secheaders.Resolve(own, h.security); ok {
		secheaders.Apply(header, sec)
	}
	header.Set("X-Response-Time", fmt.Sprintf("%dms", h.now().Sub(x.start).Milliseconds()))
}

// track attaches identity cookies to responses worth attributing.
func (h *Handler) track(x *exchange, header http.Header, contentType string, status int) {
	if !identity.ShouldTrack(x.in.URL.Path, contentType, status) {
		return
	}
	projectID := ""
	if t := x.route.Tenant(); t != nil {
		projectID = t.Project.ID
	}
	x.ident = h.identity.Resolve(x.in, projectID)
	h.identity.Apply(header, x.ident, netutil.ForwardedProto(x.in) == "https")
}

func (h *Handler) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	x := exchangeFrom(r.Context())
	if r.Context().Err() != nil {
		// The client went away; there is nobody to answer.
		x.fail(domain.RoutingStatusError, "client disconnected")
		x.rec.clientGone = true
		return
	}
	x.fail(domain.RoutingStatusError, err.Error())
	h.metrics.UpstreamError()
	h.log.Warn("upstream request failed", h.tenantAttrs(x, "address", x.route.Address, "err", err)...)
	if !x.rec.wroteHeader {
		writeError(w, http.StatusBadGateway, "bad gateway")
	}
}

func (h *Handler) finish(x *exchange) {
	if x.state != StateCompleted && x.state != StateFailed {
		x.fail(domain.RoutingStatusError, "request aborted")
	}
	end := h.now()
	status := x.rec.Status()
	entry := domain.ProxyLogEntry{
		RequestID:     x.id,
		Method:        x.in.Method,
		Host:          x.host,
		Path:          x.in.URL.Path,
		Query:         x.in.URL.RawQuery,
		StatusCode:    status,
		RoutingStatus: routingStatus(x.state, x.branch, x.failure),
		StartedAt:     x.start,
		FinishedAt:    end,
		BytesOut:      x.rec.written,
		UserAgent:     x.in.UserAgent(),
		Referrer:      x.in.Referer(),
		ClientIP:      netutil.ClientIP(x.in),
		Upstream:      x.route.Address,
		Error:         x.errMsg,
		VisitorID:     x.ident.VisitorID,
		SessionID:     x.ident.SessionID,
		IsBot:         identity.IsBot(x.in.UserAgent()),
		RequestSource: domain.RequestSourceProxy,
	}
	if x.body != nil {
		entry.BytesIn = x.body.n
	}
	if t := x.route.Tenant(); t != nil {
		entry.ProjectID = t.Project.ID
		entry.EnvironmentID = t.Environment.ID
		entry.DeploymentID = t.Deployment.ID
	}
	h.metrics.ObserveRequest(entry.RoutingStatus, status, end.Sub(x.start))
	h.requests.Log(entry)
}

func (h *Handler) tenantAttrs(x *exchange, kv ...any) []any {
	attrs := append([]any{"request_id", x.id, "host", x.host}, kv...)
	if t := x.route.Tenant(); t != nil {
		attrs = append(attrs, "project", t.Project.Slug, "environment", t.Environment.Slug, "deployment", t.Deployment.ID)
	}
	return attrs
}

func (h *Handler) targetURL(addr string) (*url.URL, error) {
	if v, ok := h.targets.Load(addr); ok {
		return v.(*url.URL), nil
	}
	raw := addr
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid upstream address %q", addr)
	}
	h.targets.Store(addr, u)
	return u, nil
}

func requestHost(r *http.Request) string {
	raw := r.Host
	if strings.TrimSpace(raw) == "" && r.TLS != nil {
		raw = r.TLS.ServerName
	}
	host := netutil.NormalizeHost(raw)
	if !netutil.ValidHost(host) {
		return ""
	}
	return host
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" && len(id) <= maxRequestIDLength && printableToken(id) {
		return id
	}
	return uuid.NewString()
}

func printableToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f {
			return false
		}
	}
	return true
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

func setIfMissing(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, msg, code)
}
