package server

import (
	"context"
	"time"

	"github.com/koltyakov/edgeproxy/internal/store/sqlite"
)

const pruneTimeout = time.Minute

// runJanitor prunes the change feed, expired sessions and old proxy logs on
// every cleanup tick until ctx is done.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Server) prune(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()
	res, err := s.store.Prune(pctx, time.Now(), sqlite.Retention{
		RouteChanges: s.cfg.ChangeRetention,
		ProxyLogs:    s.cfg.ProxyLogRetention,
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("cleanup failed", "err", err)
		}
		return
	}
	if res.RouteChanges+res.Sessions+res.ProxyLogs > 0 {
		s.log.Info("cleanup removed stale rows",
			"route_changes", res.RouteChanges,
			"sessions", res.Sessions,
			"proxy_logs", res.ProxyLogs,
		)
	}
}
