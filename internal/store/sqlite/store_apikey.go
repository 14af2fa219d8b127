package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

const resolveAPIKeyQuery = `
SELECT id, name, key_hash, scope, created_at, revoked_at
FROM api_keys
WHERE key_hash = ? AND revoked_at IS NULL`

func (s *Store) CreateAPIKey(ctx context.Context, name, keyHash, scope string) (domain.APIKey, error) {
	now := time.Now().UTC()
	id, err := newID("k")
	if err != nil {
		return domain.APIKey{}, err
	}
	if scope = strings.TrimSpace(scope); scope == "" {
		scope = "admin"
	}
	k := domain.APIKey{
		ID:        id,
		Name:      name,
		KeyHash:   keyHash,
		Scope:     scope,
		CreatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys(id, name, key_hash, scope, created_at, revoked_at)
VALUES(?, ?, ?, ?, ?, NULL)`, k.ID, k.Name, k.KeyHash, k.Scope, k.CreatedAt)
	return k, err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, key_hash, scope, created_at, revoked_at
FROM api_keys
ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Scope, &k.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		k.RevokedAt = timePtr(revoked)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
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

// ResolveAPIKey returns the active key with the given hash, or
// domain.ErrUnauthorized.
func (s *Store) ResolveAPIKey(ctx context.Context, keyHash string) (domain.APIKey, error) {
	var row *sql.Row
	if s.resolveAPIKeyStmt != nil {
		row = s.resolveAPIKeyStmt.QueryRowContext(ctx, keyHash)
	} else {
		row = s.db.QueryRowContext(ctx, resolveAPIKeyQuery, keyHash)
	}
	var k domain.APIKey
	var revoked sql.NullTime
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Scope, &k.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, domain.ErrUnauthorized
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	k.RevokedAt = timePtr(revoked)
	return k, nil
}

func (s *Store) GetServerPepper(ctx context.Context) (string, bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = 'api_key_pepper'`).Scan(&current)
	if err == nil {
		return current, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// ResolveServerPepper returns the stored pepper, storing suggested on first
// use. A suggestion that disagrees with the stored value is an error.
func (s *Store) ResolveServerPepper(ctx context.Context, suggested string) (string, error) {
	suggested = strings.TrimSpace(suggested)

	current, ok, err := s.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		if suggested != "" && suggested != current {
			return "", errors.New("provided api key pepper does not match database")
		}
		return current, nil
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO server_settings(key, value) VALUES('api_key_pepper', ?)`, suggested); err != nil {
		return "", err
	}
	return suggested, nil
}
