package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/routes"
)

const routeColumns = `host, kind, upstreams, redirect_url, redirect_status, static_path,
	project_id, project_name, project_slug,
	environment_id, environment_name, environment_slug,
	deployment_id, deployment_name, deployment_slug, security_headers, enabled, updated_at`

const findRouteQuery = `SELECT ` + routeColumns + ` FROM routes WHERE host = ? AND enabled = 1`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoute(row rowScanner) (domain.Route, error) {
	var r domain.Route
	var upstreams string
	var redirectURL, staticPath sql.NullString
	var projectID, projectName, projectSlug sql.NullString
	var envID, envName, envSlug sql.NullString
	var deploymentID, deploymentName, deploymentSlug, security sql.NullString
	var enabled int
	if err := row.Scan(
		&r.Host, &r.Kind, &upstreams, &redirectURL, &r.RedirectStatus, &staticPath,
		&projectID, &projectName, &projectSlug,
		&envID, &envName, &envSlug,
		&deploymentID, &deploymentName, &deploymentSlug, &security, &enabled, &r.UpdatedAt,
	); err != nil {
		return domain.Route{}, err
	}
	r.Upstreams = splitUpstreams(upstreams)
	r.RedirectURL = redirectURL.String
	r.StaticPath = staticPath.String
	r.Project = domain.TenantRef{ID: projectID.String, Name: projectName.String, Slug: projectSlug.String}
	r.Environment = domain.TenantRef{ID: envID.String, Name: envName.String, Slug: envSlug.String}
	r.Deployment = domain.TenantRef{ID: deploymentID.String, Name: deploymentName.String, Slug: deploymentSlug.String}
	if security.Valid && security.String != "" {
		var sec domain.SecurityHeaders
		if err := json.Unmarshal([]byte(security.String), &sec); err != nil {
			return domain.Route{}, fmt.Errorf("route %s: decode security headers: %w", r.Host, err)
		}
		r.Security = &sec
	}
	r.Enabled = enabled == 1
	return r, nil
}

func splitUpstreams(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ListRoutes returns every enabled route.
func (s *Store) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	return s.listRoutes(ctx, `SELECT `+routeColumns+` FROM routes WHERE enabled = 1 ORDER BY host`)
}

// ListAllRoutes returns every route including disabled ones.
func (s *Store) ListAllRoutes(ctx context.Context) ([]domain.Route, error) {
	return s.listRoutes(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY host`)
}

func (s *Store) listRoutes(ctx context.Context, query string) ([]domain.Route, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindRoute returns the enabled route stored for host, or
// domain.ErrRouteNotFound.
func (s *Store) FindRoute(ctx context.Context, host string) (domain.Route, error) {
	host = normalizeHostname(host)
	var row *sql.Row
	if s.findRouteStmt != nil {
		row = s.findRouteStmt.QueryRowContext(ctx, host)
	} else {
		row = s.db.QueryRowContext(ctx, findRouteQuery, host)
	}
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Route{}, domain.ErrRouteNotFound
	}
	return r, err
}

// UpsertRoute validates and stores a route. The change feed picks it up
// through the routes triggers.
func (s *Store) UpsertRoute(ctx context.Context, r domain.Route) error {
	r.Host = normalizeHostname(r.Host)
	if r.Kind == "" {
		r.Kind = domain.RouteKindUpstream
	}
	if _, err := routes.FromRoute(r); err != nil {
		return err
	}
	if strings.Contains(r.Host, "*") && !routes.ValidWildcard(r.Host) {
		return fmt.Errorf("%w: malformed wildcard %q", domain.ErrInvalidRoute, r.Host)
	}
	var security any
	if r.Security != nil {
		raw, err := json.Marshal(r.Security)
		if err != nil {
			return fmt.Errorf("encode security headers: %w", err)
		}
		security = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO routes(`+routeColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(host) DO UPDATE SET
	kind = excluded.kind,
	upstreams = excluded.upstreams,
	redirect_url = excluded.redirect_url,
	redirect_status = excluded.redirect_status,
	static_path = excluded.static_path,
	project_id = excluded.project_id,
	project_name = excluded.project_name,
	project_slug = excluded.project_slug,
	environment_id = excluded.environment_id,
	environment_name = excluded.environment_name,
	environment_slug = excluded.environment_slug,
	deployment_id = excluded.deployment_id,
	deployment_name = excluded.deployment_name,
	deployment_slug = excluded.deployment_slug,
	security_headers = excluded.security_headers,
	enabled = excluded.enabled,
	updated_at = excluded.updated_at`,
		r.Host, r.Kind, strings.Join(r.Upstreams, ","), nullableString(r.RedirectURL), r.RedirectStatus, nullableString(r.StaticPath),
		nullableString(r.Project.ID), nullableString(r.Project.Name), nullableString(r.Project.Slug),
		nullableString(r.Environment.ID), nullableString(r.Environment.Name), nullableString(r.Environment.Slug),
		nullableString(r.Deployment.ID), nullableString(r.Deployment.Name), nullableString(r.Deployment.Slug), security, boolToInt(r.Enabled), time.Now().UTC(),
	)
	return err
}

// DeleteRoute removes the route for host.
func (s *Store) DeleteRoute(ctx context.Context, host string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE host = ?`, normalizeHostname(host))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrRouteNotFound
	}
	return nil
}

// IsHostRouted reports whether host resolves to an enabled route, either
// directly or through a single-level wildcard.
func (s *Store) IsHostRouted(ctx context.Context, host string) (bool, error) {
	host = normalizeHostname(host)
	candidates := []any{host}
	if _, parent, ok := strings.Cut(host, "."); ok && strings.Contains(parent, ".") {
		candidates = append(candidates, "*."+parent)
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM routes WHERE enabled = 1 AND host IN (`+placeholders(len(candidates))+`) LIMIT 1`,
		candidates...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
