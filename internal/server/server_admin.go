package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/koltyakov/edgeproxy/internal/debughttp"
	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/routes"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	reloadTimeout   = 30 * time.Second
	healthTimeout   = 2 * time.Second
)

func (s *Server) adminHandler() http.Handler {
	read := func(h http.Handler) http.Handler { return s.auth.Require(false, h) }
	write := func(h http.Handler) http.Handler { return s.auth.Require(true, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", read(s.metrics.Handler()))
	mux.Handle("GET /v1/routes", read(http.HandlerFunc(s.handleListRoutes)))
	mux.Handle("POST /v1/routes/reload", write(http.HandlerFunc(s.handleReloadRoutes)))
	mux.Handle("GET /v1/proxy-logs", read(http.HandlerFunc(s.handleProxyLogs)))
	debughttp.Mount(mux, write)
	return mux
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Routes  int    `json:"routes"`
	Ready   bool   `json:"ready"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.version, Routes: s.table.Len()}
	select {
	case <-s.listener.Ready():
		resp.Ready = true
	default:
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("health check: store unreachable", "err", err)
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type routeView struct {
	Host           string   `json:"host"`
	Kind           string   `json:"kind"`
	Upstreams      []string `json:"upstreams,omitempty"`
	RedirectURL    string   `json:"redirect_url,omitempty"`
	RedirectStatus int      `json:"redirect_status,omitempty"`
	StaticPath     string   `json:"static_path,omitempty"`
	Project        string   `json:"project,omitempty"`
	Environment    string   `json:"environment,omitempty"`
	Deployment     string   `json:"deployment,omitempty"`
}

func viewOf(e routes.Entry) routeView {
	v := routeView{Host: e.Host}
	switch b := e.Record.Backend.(type) {
	case *routes.Upstream:
		v.Kind = domain.RouteKindUpstream
		v.Upstreams = b.Addresses()
	case *routes.Redirect:
		v.Kind = domain.RouteKindRedirect
		v.RedirectURL = b.TargetURL
		v.RedirectStatus = b.StatusCode
	case *routes.Static:
		v.Kind = domain.RouteKindStatic
		v.StaticPath = b.Path
	}
	if t := e.Record.Tenant; t != nil {
		v.Project = t.Project.ID
		v.Environment = t.Environment.ID
		v.Deployment = t.Deployment.ID
	}
	return v
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	snap := s.table.Snapshot()
	out := make([]routeView, 0, len(snap))
	for _, e := range snap {
		out = append(out, viewOf(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}

func (s *Server) handleReloadRoutes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()
	if err := s.listener.Reload(ctx); err != nil {
		s.log.Warn("admin route reload failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reload failed"})
		return
	}
	s.log.Info("routes reloaded via admin api", "routes", s.table.Len())
	writeJSON(w, http.StatusOK, map[string]int{"routes": s.table.Len()})
}

func (s *Server) handleProxyLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := s.store.RecentProxyLogs(r.Context(), limit)
	if err != nil {
		s.log.Error("list proxy logs", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	out := make([]logView, 0, len(entries))
	for _, e := range entries {
		out = append(out, logView{
			RequestID:     e.RequestID,
			ProjectID:     e.ProjectID,
			Method:        e.Method,
			Host:          e.Host,
			Path:          e.Path,
			StatusCode:    e.StatusCode,
			RoutingStatus: e.RoutingStatus,
			StartedAt:     e.StartedAt,
			DurationMS:    e.Duration().Milliseconds(),
			ClientIP:      e.ClientIP,
			Upstream:      e.Upstream,
			Error:         e.Error,

			RequestSource:   e.RequestSource,
			IsBot:           e.IsBot,
			BotName:         e.BotName,
			Browser:         e.Browser,
			BrowserVersion:  e.BrowserVersion,
			OperatingSystem: e.OperatingSystem,
			DeviceType:      e.DeviceType,
			GeoLocationID:   e.GeoLocationID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

type logView struct {
	RequestID     string    `json:"request_id"`
	ProjectID     string    `json:"project_id,omitempty"`
	Method        string    `json:"method"`
	Host          string    `json:"host"`
	Path          string    `json:"path"`
	StatusCode    int       `json:"status_code"`
	RoutingStatus string    `json:"routing_status"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
	ClientIP      string    `json:"client_ip,omitempty"`
	Upstream      string    `json:"upstream,omitempty"`
	Error         string    `json:"error,omitempty"`

	RequestSource   string `json:"request_source,omitempty"`
	IsBot           bool   `json:"is_bot"`
	BotName         string `json:"bot_name,omitempty"`
	Browser         string `json:"browser,omitempty"`
	BrowserVersion  string `json:"browser_version,omitempty"`
	OperatingSystem string `json:"operating_system,omitempty"`
	DeviceType      string `json:"device_type,omitempty"`
	GeoLocationID   string `json:"geolocation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
