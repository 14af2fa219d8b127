package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

const changesSinceQuery = `
SELECT id, host, action, created_unix
FROM route_changes
WHERE id > ?
ORDER BY id ASC
LIMIT ?`

const defaultChangeBatch = 500

// LatestChangeID returns the newest change-feed id, or 0 for an empty feed.
func (s *Store) LatestChangeID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM route_changes`).Scan(&id)
	return id, err
}

// ChangesSince returns up to limit changes with an id greater than afterID,
// oldest first.
func (s *Store) ChangesSince(ctx context.Context, afterID int64, limit int) ([]domain.RouteChange, error) {
	if limit <= 0 {
		limit = defaultChangeBatch
	}
	var err error
	var rows *sql.Rows
	if s.changesSinceStmt != nil {
		rows, err = s.changesSinceStmt.QueryContext(ctx, afterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, changesSinceQuery, afterID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.RouteChange
	for rows.Next() {
		var c domain.RouteChange
		var created int64
		if err := rows.Scan(&c.ID, &c.Host, &c.Action, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// RequestReload appends a full-reload marker to the change feed.
func (s *Store) RequestReload(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO route_changes(host, action) VALUES (?, ?)`,
		domain.ReloadAllHost, domain.ChangeActionReload)
	return err
}
