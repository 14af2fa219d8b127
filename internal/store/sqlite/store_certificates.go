package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

const findCertificateQuery = `
SELECT domain, cert_pem, key_ciphertext, status, expires_at, updated_at
FROM certificates
WHERE domain = ?`

// FindCertificate returns the certificate stored under name, whatever its
// status, or domain.ErrCertificateNotFound.
func (s *Store) FindCertificate(ctx context.Context, name string) (domain.Certificate, error) {
	name = normalizeHostname(name)
	var row *sql.Row
	if s.findCertificateStmt != nil {
		row = s.findCertificateStmt.QueryRowContext(ctx, name)
	} else {
		row = s.db.QueryRowContext(ctx, findCertificateQuery, name)
	}
	var c domain.Certificate
	var expires sql.NullTime
	err := row.Scan(&c.Domain, &c.CertPEM, &c.KeyCiphertext, &c.Status, &expires, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Certificate{}, domain.ErrCertificateNotFound
	}
	if err != nil {
		return domain.Certificate{}, err
	}
	c.ExpiresAt = timePtr(expires)
	return c, nil
}

// UpsertCertificate stores a certificate whose private key is already
// encrypted.
func (s *Store) UpsertCertificate(ctx context.Context, c domain.Certificate) error {
	if c.Status == "" {
		c.Status = domain.CertificateStatusActive
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO certificates(domain, cert_pem, key_ciphertext, status, expires_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(domain) DO UPDATE SET
	cert_pem = excluded.cert_pem,
	key_ciphertext = excluded.key_ciphertext,
	status = excluded.status,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at`,
		normalizeHostname(c.Domain), c.CertPEM, c.KeyCiphertext, c.Status, nullableTime(c.ExpiresAt), time.Now().UTC())
	return err
}

// SetCertificateStatus changes the status of a stored certificate.
func (s *Store) SetCertificateStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE certificates SET status = ?, updated_at = ? WHERE domain = ?`,
		status, time.Now().UTC(), normalizeHostname(name))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrCertificateNotFound
	}
	return nil
}
