package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
)

// InsertProxyLogs writes a batch of request log entries in one transaction.
func (s *Store) InsertProxyLogs(ctx context.Context, entries []domain.ProxyLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO proxy_logs(
	request_id, project_id, environment_id, deployment_id,
	method, host, path, query, status_code, routing_status,
	started_at, finished_at, duration_ms, bytes_in, bytes_out,
	user_agent, referrer, client_ip, upstream, error,
	visitor_id, session_id, is_bot,
	request_source, browser, browser_version, operating_system, device_type, bot_name, geolocation_id
) VALUES(`+placeholders(30)+`)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.RequestID, nullableString(e.ProjectID), nullableString(e.EnvironmentID), nullableString(e.DeploymentID),
			e.Method, e.Host, e.Path, nullableString(e.Query), e.StatusCode, e.RoutingStatus,
			e.StartedAt.UTC(), e.FinishedAt.UTC(), e.Duration().Milliseconds(), e.BytesIn, e.BytesOut,
			nullableString(e.UserAgent), nullableString(e.Referrer), nullableString(e.ClientIP), nullableString(e.Upstream), nullableString(e.Error),
			nullableString(e.VisitorID), nullableString(e.SessionID), boolToInt(e.IsBot),
			nullableString(e.RequestSource), nullableString(e.Browser), nullableString(e.BrowserVersion),
			nullableString(e.OperatingSystem), nullableString(e.DeviceType), nullableString(e.BotName), nullableString(e.GeoLocationID),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentProxyLogs returns the newest entries, newest first.
func (s *Store) RecentProxyLogs(ctx context.Context, limit int) ([]domain.ProxyLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, project_id, environment_id, deployment_id,
	method, host, path, query, status_code, routing_status,
	started_at, finished_at, bytes_in, bytes_out,
	user_agent, referrer, client_ip, upstream, error,
	visitor_id, session_id, is_bot,
	request_source, browser, browser_version, operating_system, device_type, bot_name, geolocation_id
FROM proxy_logs
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ProxyLogEntry
	for rows.Next() {
		var e domain.ProxyLogEntry
		var projectID, envID, deploymentID, query, ua, referrer, clientIP, upstream, errMsg, visitorID, sessionID sql.NullString
		var source, browser, browserVersion, osName, deviceType, botName, geoID sql.NullString
		var isBot int
		if err := rows.Scan(
			&e.RequestID, &projectID, &envID, &deploymentID,
			&e.Method, &e.Host, &e.Path, &query, &e.StatusCode, &e.RoutingStatus,
			&e.StartedAt, &e.FinishedAt, &e.BytesIn, &e.BytesOut,
			&ua, &referrer, &clientIP, &upstream, &errMsg,
			&visitorID, &sessionID, &isBot,
			&source, &browser, &browserVersion, &osName, &deviceType, &botName, &geoID,
		); err != nil {
			return nil, err
		}
		e.ProjectID, e.EnvironmentID, e.DeploymentID = projectID.String, envID.String, deploymentID.String
		e.Query, e.UserAgent, e.Referrer = query.String, ua.String, referrer.String
		e.ClientIP, e.Upstream, e.Error = clientIP.String, upstream.String, errMsg.String
		e.VisitorID, e.SessionID = visitorID.String, sessionID.String
		e.IsBot = isBot == 1
		e.RequestSource, e.Browser, e.BrowserVersion = source.String, browser.String, browserVersion.String
		e.OperatingSystem, e.DeviceType, e.BotName, e.GeoLocationID = osName.String, deviceType.String, botName.String, geoID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// deleteOlderThan is shared by the retention helpers.
func (s *Store) deleteOlderThan(ctx context.Context, query string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
