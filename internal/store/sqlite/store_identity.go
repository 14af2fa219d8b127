package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

// UpsertVisitor records a visitor sighting. The first-seen time of an
// existing visitor is kept.
func (s *Store) UpsertVisitor(ctx context.Context, v domain.Visitor) error {
	now := time.Now().UTC()
	if v.FirstSeen.IsZero() {
		v.FirstSeen = now
	}
	if v.LastSeen.IsZero() {
		v.LastSeen = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO visitors(id, project_id, first_seen, last_seen, user_agent, ip)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	last_seen = excluded.last_seen,
	user_agent = COALESCE(excluded.user_agent, visitors.user_agent),
	ip = COALESCE(excluded.ip, visitors.ip),
	project_id = COALESCE(visitors.project_id, excluded.project_id)`,
		v.ID, nullableString(v.ProjectID), v.FirstSeen.UTC(), v.LastSeen.UTC(), nullableString(v.UserAgent), nullableString(v.IP))
	return err
}

// UpsertSession records session activity. The start time and referrer of an
// existing session are kept.
func (s *Store) UpsertSession(ctx context.Context, sess domain.Session) error {
	now := time.Now().UTC()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	if sess.LastSeen.IsZero() {
		sess.LastSeen = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, visitor_id, started_at, last_seen, expires_at, referrer)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	last_seen = excluded.last_seen,
	expires_at = excluded.expires_at`,
		sess.ID, sess.VisitorID, sess.StartedAt.UTC(), sess.LastSeen.UTC(), sess.ExpiresAt.UTC(), nullableString(sess.Referrer))
	return err
}

// FindVisitor returns the stored visitor with id.
func (s *Store) FindVisitor(ctx context.Context, id string) (domain.Visitor, error) {
	var v domain.Visitor
	var projectID, ua, ip sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, project_id, first_seen, last_seen, user_agent, ip FROM visitors WHERE id = ?`, id).
		Scan(&v.ID, &projectID, &v.FirstSeen, &v.LastSeen, &ua, &ip)
	v.ProjectID, v.UserAgent, v.IP = projectID.String, ua.String, ip.String
	return v, err
}

// FindSession returns the stored session with id.
func (s *Store) FindSession(ctx context.Context, id string) (domain.Session, error) {
	var sess domain.Session
	var referrer sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, visitor_id, started_at, last_seen, expires_at, referrer FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.VisitorID, &sess.StartedAt, &sess.LastSeen, &sess.ExpiresAt, &referrer)
	sess.Referrer = referrer.String
	return sess, err
}
