// Package sqlite implements the edge proxy data store backed by a SQLite
// database. It holds routes and their change feed, certificates, visitor and
// session identities, proxy logs, admin API keys and the IP block list.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all edge proxy persistence.
type Store struct {
	db *sql.DB

	findRouteStmt       *sql.Stmt
	findCertificateStmt *sql.Stmt
	resolveAPIKeyStmt   *sql.Stmt
	changesSinceStmt    *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		name  string
		query string
		dst   **sql.Stmt
	}{
		{"find route", findRouteQuery, &s.findRouteStmt},
		{"find certificate", findCertificateQuery, &s.findCertificateStmt},
		{"resolve api key", resolveAPIKeyQuery, &s.resolveAPIKeyStmt},
		{"changes since", changesSinceQuery, &s.changesSinceStmt},
	}
	for _, st := range stmts {
		stmt, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			closeErr := s.closePreparedStatements()
			return errors.Join(fmt.Errorf("prepare %s query: %w", st.name, err), closeErr)
		}
		*st.dst = stmt
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.findRouteStmt))
	err = errors.Join(err, closeStmt(&s.findCertificateStmt))
	err = errors.Join(err, closeStmt(&s.resolveAPIKeyStmt))
	err = errors.Join(err, closeStmt(&s.changesSinceStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables, indexes and change-feed triggers if
// they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS routes (
	host TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT 'upstream',
	upstreams TEXT NOT NULL DEFAULT '',
	redirect_url TEXT NULL,
	redirect_status INTEGER NOT NULL DEFAULT 0,
	static_path TEXT NULL,
	project_id TEXT NULL,
	project_name TEXT NULL,
	project_slug TEXT NULL,
	environment_id TEXT NULL,
	environment_name TEXT NULL,
	environment_slug TEXT NULL,
	deployment_id TEXT NULL,
	deployment_name TEXT NULL,
	deployment_slug TEXT NULL,
	security_headers TEXT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS route_changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host TEXT NOT NULL,
	action TEXT NOT NULL,
	created_unix INTEGER NOT NULL DEFAULT (CAST(strftime('%s', 'now') AS INTEGER))
);
CREATE TABLE IF NOT EXISTS certificates (
	domain TEXT PRIMARY KEY,
	cert_pem TEXT NOT NULL,
	key_ciphertext TEXT NOT NULL,
	status TEXT NOT NULL,
	expires_at DATETIME NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS visitors (
	id TEXT PRIMARY KEY,
	project_id TEXT NULL,
	first_seen DATETIME NOT NULL,
	last_seen DATETIME NOT NULL,
	user_agent TEXT NULL,
	ip TEXT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	visitor_id TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	last_seen DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	referrer TEXT NULL
);
CREATE TABLE IF NOT EXISTS proxy_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	project_id TEXT NULL,
	environment_id TEXT NULL,
	deployment_id TEXT NULL,
	method TEXT NOT NULL,
	host TEXT NOT NULL,
	path TEXT NOT NULL,
	query TEXT NULL,
	status_code INTEGER NOT NULL,
	routing_status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL,
	bytes_in INTEGER NOT NULL,
	bytes_out INTEGER NOT NULL,
	user_agent TEXT NULL,
	referrer TEXT NULL,
	client_ip TEXT NULL,
	upstream TEXT NULL,
	error TEXT NULL,
	visitor_id TEXT NULL,
	session_id TEXT NULL,
	is_bot INTEGER NOT NULL DEFAULT 0,
	request_source TEXT NULL,
	browser TEXT NULL,
	browser_version TEXT NULL,
	operating_system TEXT NULL,
	device_type TEXT NULL,
	bot_name TEXT NULL,
	geolocation_id TEXT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	scope TEXT NOT NULL DEFAULT 'admin',
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS blocked_ips (
	cidr TEXT PRIMARY KEY,
	reason TEXT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routes_enabled ON routes(enabled);
CREATE INDEX IF NOT EXISTS idx_route_changes_created ON route_changes(created_unix);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_visitor_id ON sessions(visitor_id);
CREATE INDEX IF NOT EXISTS idx_proxy_logs_started_at ON proxy_logs(started_at);
CREATE INDEX IF NOT EXISTS idx_proxy_logs_project ON proxy_logs(project_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);

CREATE TRIGGER IF NOT EXISTS trg_routes_insert AFTER INSERT ON routes
BEGIN
	INSERT INTO route_changes(host, action) VALUES (NEW.host, 'upsert');
END;
CREATE TRIGGER IF NOT EXISTS trg_routes_update AFTER UPDATE ON routes
BEGIN
	INSERT INTO route_changes(host, action) SELECT OLD.host, 'delete' WHERE OLD.host <> NEW.host;
	INSERT INTO route_changes(host, action) VALUES (NEW.host, 'upsert');
END;
CREATE TRIGGER IF NOT EXISTS trg_routes_delete AFTER DELETE ON routes
BEGIN
	INSERT INTO route_changes(host, action) VALUES (OLD.host, 'delete');
END;
CREATE TRIGGER IF NOT EXISTS trg_certificates_insert AFTER INSERT ON certificates
BEGIN
	INSERT INTO route_changes(host, action) VALUES (NEW.domain, 'certificate');
END;
CREATE TRIGGER IF NOT EXISTS trg_certificates_update AFTER UPDATE ON certificates
BEGIN
	INSERT INTO route_changes(host, action) VALUES (NEW.domain, 'certificate');
END;
CREATE TRIGGER IF NOT EXISTS trg_certificates_delete AFTER DELETE ON certificates
BEGIN
	INSERT INTO route_changes(host, action) VALUES (OLD.domain, 'certificate');
END;
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	for _, stmt := range []string{
		`ALTER TABLE api_keys ADD COLUMN scope TEXT NOT NULL DEFAULT 'admin'`,
		`ALTER TABLE routes ADD COLUMN deployment_name TEXT NULL`,
		`ALTER TABLE routes ADD COLUMN deployment_slug TEXT NULL`,
		`ALTER TABLE routes ADD COLUMN security_headers TEXT NULL`,
		`ALTER TABLE proxy_logs ADD COLUMN request_source TEXT NULL`,
		`ALTER TABLE proxy_logs ADD COLUMN browser TEXT NULL`,
		`ALTER TABLE proxy_logs ADD COLUMN browser_version TEXT NULL`,
		`ALTER TABLE proxy_logs ADD COLUMN operating_system TEXT NULL`,
		`ALTER TABLE proxy_logs ADD COLUMN device_type TEXT NULL`,
		`ALTER TABLE proxy_logs ADD COLUMN bot_name TEXT NULL`,
		`ALTER TABLE proxy_logs ADD COLUMN geolocation_id TEXT NULL`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				return err
			}
		}
	}
	return nil
}
