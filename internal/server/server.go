// Package server wires the edge proxy together: storage, the route listener,
// certificate loading, identity and proxy-log workers, the public HTTP(S)
// listeners and the admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/edgeproxy/internal/auth"
	"github.com/koltyakov/edgeproxy/internal/config"
	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/identity"
	"github.com/koltyakov/edgeproxy/internal/ipaccess"
	"github.com/koltyakov/edgeproxy/internal/metrics"
	"github.com/koltyakov/edgeproxy/internal/proxy"
	"github.com/koltyakov/edgeproxy/internal/proxylog"
	"github.com/koltyakov/edgeproxy/internal/routes"
	"github.com/koltyakov/edgeproxy/internal/seal"
	"github.com/koltyakov/edgeproxy/internal/shutdown"
	"github.com/koltyakov/edgeproxy/internal/static"
	"github.com/koltyakov/edgeproxy/internal/store/sqlite"
	"github.com/koltyakov/edgeproxy/internal/tlscert"
	"github.com/koltyakov/edgeproxy/internal/upstream"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	maxHeaderBytes    = 1 << 20
)

// Server is the assembled edge proxy process.
type Server struct {
	cfg     config.ProxyConfig
	store   *sqlite.Store
	log     *slog.Logger
	version string

	metrics  *metrics.Metrics
	table    *routes.Table
	listener *routes.Listener
	certs    *tlscert.Loader
	acme     *autocert.Manager
	identity *identity.Manager
	requests *proxylog.Service
	blocked  *ipaccess.List
	static   *static.Server
	proxy    *proxy.Handler
	auth     *auth.Chain

	// staticRoots counts routes per static root; guarded by the table.
	staticRoots map[string]int

	ready chan struct{}

	addrMu sync.Mutex
	addrs  map[string]net.Addr
}

// New assembles a server over an open store. cfg.APIKeyPepper must already
// be resolved.
func New(cfg config.ProxyConfig, store *sqlite.Store, logger *slog.Logger, version string) (*Server, error) {
	master, err := seal.ParseKey(cfg.SealKey)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	cookieBox, err := seal.Derive(master, seal.PurposeCookies)
	if err != nil {
		return nil, err
	}
	certBox, err := seal.Derive(master, seal.PurposeCertificateKeys)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		log:     logger,
		version: version,
		metrics: metrics.New(),
		table:   routes.NewTable(),
		static:  static.NewServer(cfg.StaticSPA),
		ready:   make(chan struct{}),
		addrs:   make(map[string]net.Addr),

		staticRoots: make(map[string]int),
	}
	s.table.OnChange(s.routeTableChanged)

	var fallback tlscert.FallbackFunc
	if cfg.ACME {
		s.acme = tlscert.NewACMEManager(cfg.CertCacheDir, cfg.ACMEEmail, s.hostRouted)
		fallback = s.acme.GetCertificate
	}
	s.certs = tlscert.NewLoader(store, certBox, tlscert.Config{
		Fallback: fallback,
		Metrics:  s.metrics,
	}, logger.With("component", "tls"))

	var file *routes.FileSource
	if cfg.RoutesFile != "" {
		file = routes.NewFileSource(cfg.RoutesFile, logger.With("component", "routes_file"))
	}
	s.listener = routes.NewListener(s.table, store, store, routes.ListenerConfig{
		PollInterval:        cfg.PollInterval,
		File:                file,
		OnCertificateChange: s.certs.Invalidate,
		PreviewDomain:       cfg.PreviewDomain,
		Metrics:             s.metrics,
	}, logger.With("component", "routes"))

	s.identity = identity.NewManager(cookieBox, store, identity.Config{Metrics: s.metrics}, logger.With("component", "identity"))
	s.requests = proxylog.NewService(store, proxylog.Config{
		LogAssets: cfg.LogAssets,
		Metrics:   s.metrics,
	}, logger.With("component", "proxy_log"))
	s.blocked = ipaccess.NewList(store, ipaccess.Config{
		RefreshInterval: cfg.BlockRefreshInterval,
		Metrics:         s.metrics,
		OnBlock:         s.logBlocked,
	}, logger.With("component", "ipaccess"))

	s.proxy = proxy.NewHandler(upstream.NewResolver(s.table), proxy.Config{
		Static:   s.static,
		Identity: s.identity,
		Requests: s.requests,
		Metrics:  s.metrics,

		SecurityHeaders: &domain.SecurityHeaders{Preset: cfg.SecurityHeaders},
	}, logger.With("component", "proxy"))

	plugins := []auth.Plugin{auth.APIKeyPlugin{Store: store, Pepper: cfg.APIKeyPepper}}
	if cfg.AdminAnonymousRead {
		plugins = append(plugins, auth.AnonymousPlugin{})
	}
	s.auth = auth.NewChain(logger.With("component", "auth"), plugins...)
	return s, nil
}

// Ready is closed once the first route load has finished and every listener
// is serving.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address of the named listener ("http", "https",
// "admin"), or nil when it is disabled. It is valid once Ready is closed.
func (s *Server) Addr(name string) net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addrs[name]
}

// Run serves until ctx is done and then shuts down in order: stop accepting
// and drain requests, stop background workers and flush their queues, close
// storage. It returns [domain.ErrShutdownTimeout] when the drain overruns
// the configured deadline.
func (s *Server) Run(ctx context.Context) error {
	listeners, err := s.bind()
	if err != nil {
		return err
	}

	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workers := s.startWorkers(workCtx)

	select {
	case <-s.listener.Ready():
		s.log.Debug("initial route load finished, starting listeners")
	case <-ctx.Done():
		closeAll(listeners)
		stopWorkers()
		_ = workers.Wait()
		return s.store.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	servers, h3 := s.serve(g, listeners)
	close(s.ready)

	<-gctx.Done()

	coord := shutdown.New(s.cfg.ShutdownTimeout, s.log.With("component", "shutdown"))
	coord.Register("http servers", func(ctx context.Context) error {
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(ctx))
		}
		return errors.Join(errs...)
	})
	if h3 != nil {
		coord.Register("http3 server", func(context.Context) error { return h3.Close() })
	}
	coord.Register("background workers", func(ctx context.Context) error {
		stopWorkers()
		if err := waitDone(ctx, s.identity.Done()); err != nil {
			return fmt.Errorf("identity flush: %w", err)
		}
		if err := waitDone(ctx, s.requests.Done()); err != nil {
			return fmt.Errorf("proxy log flush: %w", err)
		}
		return waitGroup(ctx, workers)
	})
	coord.Register("store", func(context.Context) error { return s.store.Close() })

	shutdownErr := coord.Shutdown()
	if errors.Is(shutdownErr, domain.ErrShutdownTimeout) {
		for _, srv := range servers {
			_ = srv.Close()
		}
		if h3 != nil {
			_ = h3.Close()
		}
	}
	serveErr := g.Wait()
	return errors.Join(serveErr, shutdownErr)
}

type boundListeners struct {
	http  net.Listener
	https net.Listener
	admin net.Listener
	quic  net.PacketConn
}

// bind opens every configured socket up front so address conflicts fail
// before any worker starts.
func (s *Server) bind() (*boundListeners, error) {
	b := &boundListeners{}
	open := func(name, addr string, dst *net.Listener) error {
		if addr == "" {
			return nil
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s %s: %w", name, addr, err)
		}
		*dst = ln
		s.setAddr(name, ln.Addr())
		return nil
	}
	if err := errors.Join(
		open("http", s.cfg.ListenHTTP, &b.http),
		open("https", s.cfg.ListenHTTPS, &b.https),
		open("admin", s.cfg.ListenAdmin, &b.admin),
	); err != nil {
		closeAll(b)
		return nil, err
	}
	if s.cfg.HTTP3 && b.https != nil {
		udpAddr, err := net.ResolveUDPAddr("udp", b.https.Addr().String())
		if err != nil {
			closeAll(b)
			return nil, fmt.Errorf("resolve http3 addr: %w", err)
		}
		pc, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			closeAll(b)
			return nil, fmt.Errorf("listen http3 %s: %w", udpAddr, err)
		}
		b.quic = pc
	}
	return b, nil
}

func closeAll(b *boundListeners) {
	for _, ln := range []net.Listener{b.http, b.https, b.admin} {
		if ln != nil {
			_ = ln.Close()
		}
	}
	if b.quic != nil {
		_ = b.quic.Close()
	}
}

func (s *Server) setAddr(name string, addr net.Addr) {
	s.addrMu.Lock()
	s.addrs[name] = addr
	s.addrMu.Unlock()
}

func (s *Server) startWorkers(ctx context.Context) *errgroup.Group {
	var g errgroup.Group
	g.Go(func() error {
		_ = s.listener.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.identity.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.requests.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.blocked.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.runJanitor(ctx)
		return nil
	})
	return &g
}

// serve starts one goroutine per listener on g and returns the servers so
// they can be shut down.
func (s *Server) serve(g *errgroup.Group, b *boundListeners) ([]*http.Server, *http3.Server) {
	public := s.blocked.Middleware(s.proxy)
	var (
		servers []*http.Server
		h3      *http3.Server
	)

	if b.https != nil {
		tlsCfg := s.tlsConfig()
		handler := public
		if b.quic != nil {
			h3 = &http3.Server{
				Addr:      b.quic.LocalAddr().String(),
				Handler:   public,
				TLSConfig: http3.ConfigureTLSConfig(tlsCfg.Clone()),
			}
			handler = withAltSvc(h3, public)
			g.Go(func() error {
				s.log.Info("http3 listening", "addr", b.quic.LocalAddr().String())
				if err := h3.Serve(b.quic); err != nil && !errors.Is(err, http.ErrServerClosed) && !isClosedConn(err) {
					return fmt.Errorf("http3 server: %w", err)
				}
				return nil
			})
		}
		srv := s.newHTTPServer(handler)
		srv.TLSConfig = tlsCfg
		srv.ErrorLog = log.New(newHTTPSErrorLogWriter(s.log, s.acme != nil), "", 0)
		servers = append(servers, srv)
		g.Go(func() error {
			s.log.Info("https listening", "addr", b.https.Addr().String())
			if err := srv.ServeTLS(b.https, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("https server: %w", err)
			}
			return nil
		})
	}

	if b.http != nil {
		handler := public
		if s.acme != nil {
			handler = s.acme.HTTPHandler(public)
		}
		srv := s.newHTTPServer(handler)
		servers = append(servers, srv)
		g.Go(func() error {
			s.log.Info("http listening", "addr", b.http.Addr().String())
			if err := srv.Serve(b.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	if b.admin != nil {
		srv := s.newHTTPServer(s.adminHandler())
		servers = append(servers, srv)
		g.Go(func() error {
			s.log.Info("admin listening", "addr", b.admin.Addr().String())
			if err := srv.Serve(b.admin); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	return servers, h3
}

// newHTTPServer sets header and idle limits only; bodies stream for as long
// as either side keeps the exchange open.
func (s *Server) newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
	}
}

func withAltSvc(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h3.SetQUICHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

// hostRouted accepts hosts served by the live table, which includes file
// routes and preview aliases, then falls back to storage.
func (s *Server) hostRouted(ctx context.Context, host string) (bool, error) {
	if _, ok := s.table.Resolve(host); ok {
		return true, nil
	}
	return s.store.IsHostRouted(ctx, host)
}

// routeTableChanged keeps the route gauge current and drops cached static
// handlers once no route serves their root. The table serialises calls.
func (s *Server) routeTableChanged(c routes.Change) {
	s.metrics.SetRouteTableSize(c.Size)
	if c.Replaced {
		next := make(map[string]int, len(s.staticRoots))
		for _, e := range c.Entries {
			if root, ok := staticRoot(e.Record); ok {
				next[root]++
			}
		}
		s.staticRoots = next
		s.static.Forget(func(root string) bool {
			_, ok := next[root]
			return ok
		})
		return
	}
	if root, ok := staticRoot(c.Current); ok {
		s.staticRoots[root]++
	}
	if root, ok := staticRoot(c.Previous); ok {
		if s.staticRoots[root]--; s.staticRoots[root] <= 0 {
			delete(s.staticRoots, root)
			s.static.Drop(root)
		}
	}
}

func staticRoot(rec *routes.Record) (string, bool) {
	if rec == nil {
		return "", false
	}
	st, ok := rec.Static()
	if !ok {
		return "", false
	}
	return filepath.Clean(st.Path), true
}

func (s *Server) logBlocked(ev ipaccess.BlockEvent) {
	s.requests.Log(domain.ProxyLogEntry{
		Method:        ev.Method,
		Host:          ev.Host,
		Path:          ev.Path,
		StatusCode:    http.StatusForbidden,
		RoutingStatus: domain.RoutingStatusBlocked,
		StartedAt:     ev.At,
		FinishedAt:    ev.At,
		UserAgent:     ev.UserAgent,
		ClientIP:      ev.ClientIP,
		Error:         ev.Reason,
		IsBot:         identity.IsBot(ev.UserAgent),
		RequestSource: domain.RequestSourceProxy,
	})
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitGroup(ctx context.Context, g *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
