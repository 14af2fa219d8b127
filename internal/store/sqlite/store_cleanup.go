package sqlite

import (
	"context"
	"errors"
	"time"
)

// Retention is how long each kind of history is kept by [Store.Prune].
type Retention struct {
	RouteChanges time.Duration
	ProxyLogs    time.Duration
}

// PruneResult counts the rows removed by one [Store.Prune] pass.
type PruneResult struct {
	RouteChanges int64
	Sessions     int64
	ProxyLogs    int64
}

// Prune deletes change-feed rows and proxy logs past retention and sessions
// that have expired. The newest change row is always kept so the feed
// position survives.
func (s *Store) Prune(ctx context.Context, now time.Time, keep Retention) (PruneResult, error) {
	var res PruneResult
	var errs []error

	if keep.RouteChanges > 0 {
		r, err := s.db.ExecContext(ctx, `
DELETE FROM route_changes
WHERE created_unix < ? AND id < (SELECT COALESCE(MAX(id), 0) FROM route_changes)`,
			now.Add(-keep.RouteChanges).Unix())
		if err != nil {
			errs = append(errs, err)
		} else if n, err := r.RowsAffected(); err == nil {
			res.RouteChanges = n
		}
	}

	n, err := s.deleteOlderThan(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.Sessions = n

	if keep.ProxyLogs > 0 {
		n, err := s.deleteOlderThan(ctx, `DELETE FROM proxy_logs WHERE started_at < ?`, now.Add(-keep.ProxyLogs))
		if err != nil {
			errs = append(errs, err)
		}
		res.ProxyLogs = n
	}
	return res, errors.Join(errs...)
}
