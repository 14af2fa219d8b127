package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

func (s *Store) ListBlockedNetworks(ctx context.Context) ([]domain.BlockedNetwork, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cidr, reason, created_at FROM blocked_ips ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.BlockedNetwork
	for rows.Next() {
		var n domain.BlockedNetwork
		var reason sql.NullString
		if err := rows.Scan(&n.CIDR, &reason, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Reason = reason.String
		out = append(out, n)
	}
	return out, rows.Err()
}

// BlockNetwork adds or updates a blocked address or CIDR.
func (s *Store) BlockNetwork(ctx context.Context, cidr, reason string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blocked_ips(cidr, reason, created_at) VALUES(?, ?, ?)
ON CONFLICT(cidr) DO UPDATE SET reason = excluded.reason`,
		strings.TrimSpace(cidr), nullableString(reason), time.Now().UTC())
	return err
}

func (s *Store) UnblockNetwork(ctx context.Context, cidr string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE cidr = ?`, strings.TrimSpace(cidr))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
