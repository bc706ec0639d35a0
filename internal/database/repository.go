package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// topKLimit bounds the ordered mappings persisted on hourly rows.
const topKLimit = 10

// Repository is the typed persistence gateway over the tunneld schema. All
// operations are safe to call concurrently; no multi-row transactions cross
// component boundaries. Lookups that find nothing return (nil, nil).
type Repository struct {
	db *store
}

// NewRepository opens the database for the given dialect and runs migrations.
//
// For sqlite, url is a file path (":memory:" works for tests); for postgres
// it is a connection URL.
func NewRepository(dialect Dialect, url string) (*Repository, error) {
	db, err := openStore(dialect, url)
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite {
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	repo := &Repository{db: db}
	if err := repo.migrate(dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate(dialect Dialect) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tunnels (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		subdomain TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		local_port INTEGER NOT NULL DEFAULT 0,
		protocol TEXT NOT NULL DEFAULT 'http',
		custom_domain TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		connected_at TIMESTAMP,
		last_connected TIMESTAMP,
		last_disconnected TIMESTAMP,
		total_requests BIGINT NOT NULL DEFAULT 0,
		total_bandwidth BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tunnels_user_id ON tunnels(user_id);

	CREATE TABLE IF NOT EXISTS live_stats (
		tunnel_id TEXT PRIMARY KEY REFERENCES tunnels(id) ON DELETE CASCADE,
		requests_last_5min BIGINT NOT NULL DEFAULT 0,
		requests_last_1hour BIGINT NOT NULL DEFAULT 0,
		avg_response_time REAL NOT NULL DEFAULT 0,
		error_rate REAL NOT NULL DEFAULT 0,
		last_updated TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hourly_stats (
		id %s,
		tunnel_id TEXT NOT NULL REFERENCES tunnels(id) ON DELETE CASCADE,
		hour TIMESTAMP NOT NULL,
		total_requests BIGINT NOT NULL DEFAULT 0,
		success_requests BIGINT NOT NULL DEFAULT 0,
		error_requests BIGINT NOT NULL DEFAULT 0,
		avg_response_time REAL NOT NULL DEFAULT 0,
		total_bandwidth BIGINT NOT NULL DEFAULT 0,
		unique_ips BIGINT NOT NULL DEFAULT 0,
		top_paths TEXT NOT NULL DEFAULT '[]',
		top_countries TEXT NOT NULL DEFAULT '[]',
		status_codes TEXT NOT NULL DEFAULT '[]',
		UNIQUE (tunnel_id, hour)
	);

	CREATE TABLE IF NOT EXISTS daily_stats (
		id %s,
		tunnel_id TEXT NOT NULL REFERENCES tunnels(id) ON DELETE CASCADE,
		date TIMESTAMP NOT NULL,
		total_requests BIGINT NOT NULL DEFAULT 0,
		success_requests BIGINT NOT NULL DEFAULT 0,
		error_requests BIGINT NOT NULL DEFAULT 0,
		avg_response_time REAL NOT NULL DEFAULT 0,
		total_bandwidth BIGINT NOT NULL DEFAULT 0,
		unique_ips BIGINT NOT NULL DEFAULT 0,
		peak_hour INTEGER NOT NULL DEFAULT 0,
		UNIQUE (tunnel_id, date)
	);

	CREATE TABLE IF NOT EXISTS request_logs (
		id %s,
		tunnel_id TEXT NOT NULL REFERENCES tunnels(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		response_time BIGINT NOT NULL DEFAULT 0,
		request_size BIGINT NOT NULL DEFAULT 0,
		response_size BIGINT NOT NULL DEFAULT 0,
		client_ip TEXT NOT NULL DEFAULT '',
		country TEXT,
		user_agent TEXT,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_request_logs_tunnel_id ON request_logs(tunnel_id);
	CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp);

	CREATE TABLE IF NOT EXISTS device_auth_codes (
		code TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		user_id TEXT REFERENCES users(id),
		token TEXT,
		expires_at TIMESTAMP NOT NULL,
		is_used BOOLEAN NOT NULL DEFAULT FALSE,
		claimed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	`
	schema = fmt.Sprintf(schema, serial, serial, serial)

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateUserIfMissing inserts a user row unless one already exists for the id.
func (r *Repository) CreateUserIfMissing(id, email, name string) error {
	_, err := r.db.Exec(`
		INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, id, email, name, time.Now().UTC())
	return err
}

// GetUser retrieves a user by id.
func (r *Repository) GetUser(id string) (*User, error) {
	var u User
	err := r.db.QueryRow(`
		SELECT id, email, name, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const tunnelColumns = `id, user_id, subdomain, name, description, local_port,
	protocol, custom_domain, is_active, connected_at, last_connected,
	last_disconnected, total_requests, total_bandwidth, created_at`

func scanTunnel(row interface{ Scan(...any) error }) (*Tunnel, error) {
	var t Tunnel
	var connectedAt, lastConnected, lastDisconnected sql.NullTime
	err := row.Scan(
		&t.ID, &t.UserID, &t.Subdomain, &t.Name, &t.Description, &t.LocalPort,
		&t.Protocol, &t.CustomDomain, &t.IsActive, &connectedAt, &lastConnected,
		&lastDisconnected, &t.TotalRequests, &t.TotalBandwidth, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if connectedAt.Valid {
		t.ConnectedAt = &connectedAt.Time
	}
	if lastConnected.Valid {
		t.LastConnected = &lastConnected.Time
	}
	if lastDisconnected.Valid {
		t.LastDisconnected = &lastDisconnected.Time
	}
	return &t, nil
}

// GetTunnelByID retrieves a tunnel by its primary id.
func (r *Repository) GetTunnelByID(id string) (*Tunnel, error) {
	return scanTunnel(r.db.QueryRow(
		`SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id))
}

// GetTunnelBySubdomain retrieves a tunnel by its subdomain.
func (r *Repository) GetTunnelBySubdomain(subdomain string) (*Tunnel, error) {
	return scanTunnel(r.db.QueryRow(
		`SELECT `+tunnelColumns+` FROM tunnels WHERE subdomain = ?`, subdomain))
}

// GetTunnelByIdentifier resolves a public-path identifier: subdomain first,
// then tunnel id.
func (r *Repository) GetTunnelByIdentifier(identifier string) (*Tunnel, error) {
	t, err := r.GetTunnelBySubdomain(identifier)
	if err != nil || t != nil {
		return t, err
	}
	return r.GetTunnelByID(identifier)
}

// UpsertTunnel creates the tunnel row or updates its agent-supplied settings.
// The subdomain is rewritten on update so a re-registration can move it.
func (r *Repository) UpsertTunnel(t *Tunnel) error {
	_, err := r.db.Exec(`
		INSERT INTO tunnels (id, user_id, subdomain, name, description,
			local_port, protocol, custom_domain, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			subdomain = excluded.subdomain,
			name = excluded.name,
			description = excluded.description,
			local_port = excluded.local_port,
			protocol = excluded.protocol
	`, t.ID, t.UserID, t.Subdomain, t.Name, t.Description,
		t.LocalPort, t.Protocol, t.CustomDomain, time.Now().UTC())
	return err
}

// MarkTunnelConnected flips the tunnel live, stamping connection times.
func (r *Repository) MarkTunnelConnected(id string, now time.Time) error {
	_, err := r.db.Exec(`
		UPDATE tunnels SET is_active = TRUE, connected_at = ?, last_connected = ?
		WHERE id = ?
	`, now, now, id)
	return err
}

// MarkTunnelDisconnected flips the tunnel inactive, stamping the close time.
func (r *Repository) MarkTunnelDisconnected(id string, now time.Time) error {
	_, err := r.db.Exec(`
		UPDATE tunnels SET is_active = FALSE, last_disconnected = ?
		WHERE id = ?
	`, now, id)
	return err
}

// AddTunnelTraffic bumps the cumulative counters with a database-level
// atomic increment.
func (r *Repository) AddTunnelTraffic(id string, requests, bytes int64) error {
	_, err := r.db.Exec(`
		UPDATE tunnels SET total_requests = total_requests + ?,
			total_bandwidth = total_bandwidth + ?
		WHERE id = ?
	`, requests, bytes, id)
	return err
}

// UpsertLiveStats applies one completed request to the tunnel's live row.
// Increments happen inside the database so concurrent request paths never
// lose updates. avg_response_time is last-wins and error_rate accumulates.
func (r *Repository) UpsertLiveStats(tunnelID string, responseTime float64, isError bool, now time.Time) error {
	errDelta := 0.0
	if isError {
		errDelta = 1.0
	}
	_, err := r.db.Exec(`
		INSERT INTO live_stats (tunnel_id, requests_last_5min,
			requests_last_1hour, avg_response_time, error_rate, last_updated)
		VALUES (?, 1, 1, ?, ?, ?)
		ON CONFLICT (tunnel_id) DO UPDATE SET
			requests_last_5min = live_stats.requests_last_5min + 1,
			requests_last_1hour = live_stats.requests_last_1hour + 1,
			avg_response_time = excluded.avg_response_time,
			error_rate = live_stats.error_rate + excluded.error_rate,
			last_updated = excluded.last_updated
	`, tunnelID, responseTime, errDelta, now)
	return err
}

// GetLiveStats retrieves the live counters for a tunnel.
func (r *Repository) GetLiveStats(tunnelID string) (*LiveStats, error) {
	var s LiveStats
	err := r.db.QueryRow(`
		SELECT tunnel_id, requests_last_5min, requests_last_1hour,
			avg_response_time, error_rate, last_updated
		FROM live_stats WHERE tunnel_id = ?
	`, tunnelID).Scan(&s.TunnelID, &s.RequestsLast5Min, &s.RequestsLast1Hr,
		&s.AvgResponseTime, &s.ErrorRate, &s.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DecayLiveStats zeroes the rolling windows of rows not updated since cutoff.
func (r *Repository) DecayLiveStats(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`
		UPDATE live_stats SET requests_last_5min = 0, requests_last_1hour = 0
		WHERE last_updated < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertHourlyStats folds a flushed batch into the (tunnel, hour) row. The
// create branch writes absolute values; the update branch increments the
// counters, merges the top-k mappings, and takes the batch mean for
// avg_response_time.
func (r *Repository) UpsertHourlyStats(s *HourlyStats) error {
	existing, err := r.GetHourlyStats(s.TunnelID, s.Hour)
	if err != nil {
		return err
	}

	if existing == nil {
		paths, err := s.TopPaths.encode()
		if err != nil {
			return err
		}
		countries, err := s.TopCountries.encode()
		if err != nil {
			return err
		}
		codes, err := s.StatusCodes.encode()
		if err != nil {
			return err
		}
		_, err = r.db.Exec(`
			INSERT INTO hourly_stats (tunnel_id, hour, total_requests,
				success_requests, error_requests, avg_response_time,
				total_bandwidth, unique_ips, top_paths, top_countries,
				status_codes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.TunnelID, s.Hour, s.TotalRequests, s.SuccessRequests,
			s.ErrorRequests, s.AvgResponseTime, s.TotalBandwidth, s.UniqueIPs,
			paths, countries, codes)
		return err
	}

	paths, err := existing.TopPaths.Merge(s.TopPaths, topKLimit).encode()
	if err != nil {
		return err
	}
	countries, err := existing.TopCountries.Merge(s.TopCountries, topKLimit).encode()
	if err != nil {
		return err
	}
	codes, err := existing.StatusCodes.Merge(s.StatusCodes, topKLimit).encode()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		UPDATE hourly_stats SET
			total_requests = total_requests + ?,
			success_requests = success_requests + ?,
			error_requests = error_requests + ?,
			avg_response_time = ?,
			total_bandwidth = total_bandwidth + ?,
			unique_ips = unique_ips + ?,
			top_paths = ?, top_countries = ?, status_codes = ?
		WHERE tunnel_id = ? AND hour = ?
	`, s.TotalRequests, s.SuccessRequests, s.ErrorRequests,
		s.AvgResponseTime, s.TotalBandwidth, s.UniqueIPs,
		paths, countries, codes, s.TunnelID, s.Hour)
	return err
}

func scanHourly(row interface{ Scan(...any) error }) (*HourlyStats, error) {
	var s HourlyStats
	var paths, countries, codes string
	err := row.Scan(&s.TunnelID, &s.Hour, &s.TotalRequests, &s.SuccessRequests,
		&s.ErrorRequests, &s.AvgResponseTime, &s.TotalBandwidth, &s.UniqueIPs,
		&paths, &countries, &codes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.TopPaths, err = decodeTopK(paths); err != nil {
		return nil, err
	}
	if s.TopCountries, err = decodeTopK(countries); err != nil {
		return nil, err
	}
	if s.StatusCodes, err = decodeTopK(codes); err != nil {
		return nil, err
	}
	return &s, nil
}

const hourlyColumns = `tunnel_id, hour, total_requests, success_requests,
	error_requests, avg_response_time, total_bandwidth, unique_ips,
	top_paths, top_countries, status_codes`

// GetHourlyStats retrieves the row for one (tunnel, hour) key.
func (r *Repository) GetHourlyStats(tunnelID string, hour time.Time) (*HourlyStats, error) {
	return scanHourly(r.db.QueryRow(
		`SELECT `+hourlyColumns+` FROM hourly_stats WHERE tunnel_id = ? AND hour = ?`,
		tunnelID, hour))
}

// ListHourlyStatsBetween returns hourly rows with start <= hour < end.
func (r *Repository) ListHourlyStatsBetween(start, end time.Time) ([]*HourlyStats, error) {
	rows, err := r.db.Query(
		`SELECT `+hourlyColumns+` FROM hourly_stats
		 WHERE hour >= ? AND hour < ? ORDER BY tunnel_id, hour`,
		start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HourlyStats
	for rows.Next() {
		s, err := scanHourly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertDailyStats writes the rolled-up day for one tunnel.
func (r *Repository) UpsertDailyStats(s *DailyStats) error {
	_, err := r.db.Exec(`
		INSERT INTO daily_stats (tunnel_id, date, total_requests,
			success_requests, error_requests, avg_response_time,
			total_bandwidth, unique_ips, peak_hour)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tunnel_id, date) DO UPDATE SET
			total_requests = excluded.total_requests,
			success_requests = excluded.success_requests,
			error_requests = excluded.error_requests,
			avg_response_time = excluded.avg_response_time,
			total_bandwidth = excluded.total_bandwidth,
			unique_ips = excluded.unique_ips,
			peak_hour = excluded.peak_hour
	`, s.TunnelID, s.Date, s.TotalRequests, s.SuccessRequests, s.ErrorRequests,
		s.AvgResponseTime, s.TotalBandwidth, s.UniqueIPs, s.PeakHour)
	return err
}

// GetDailyStats retrieves the row for one (tunnel, date) key.
func (r *Repository) GetDailyStats(tunnelID string, date time.Time) (*DailyStats, error) {
	var s DailyStats
	err := r.db.QueryRow(`
		SELECT tunnel_id, date, total_requests, success_requests,
			error_requests, avg_response_time, total_bandwidth, unique_ips,
			peak_hour
		FROM daily_stats WHERE tunnel_id = ? AND date = ?
	`, tunnelID, date).Scan(&s.TunnelID, &s.Date, &s.TotalRequests,
		&s.SuccessRequests, &s.ErrorRequests, &s.AvgResponseTime,
		&s.TotalBandwidth, &s.UniqueIPs, &s.PeakHour)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertRequestLog records one completed public request. The user agent is
// truncated to 500 bytes.
func (r *Repository) InsertRequestLog(l *RequestLog) error {
	country := sql.NullString{String: l.Country, Valid: l.Country != ""}
	ua := l.UserAgent
	if len(ua) > 500 {
		ua = ua[:500]
	}
	userAgent := sql.NullString{String: ua, Valid: ua != ""}
	_, err := r.db.Exec(`
		INSERT INTO request_logs (tunnel_id, path, method, status_code,
			response_time, request_size, response_size, client_ip, country,
			user_agent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.TunnelID, l.Path, l.Method, l.StatusCode, l.ResponseTime,
		l.RequestSize, l.ResponseSize, l.ClientIP, country, userAgent,
		l.Timestamp)
	return err
}

// CountRequestLogs returns the number of log rows for a tunnel.
func (r *Repository) CountRequestLogs(tunnelID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM request_logs WHERE tunnel_id = ?`, tunnelID).Scan(&n)
	return n, err
}

// ListRequestLogs returns the most recent log rows for a tunnel.
func (r *Repository) ListRequestLogs(tunnelID string, limit int) ([]*RequestLog, error) {
	rows, err := r.db.Query(`
		SELECT id, tunnel_id, path, method, status_code, response_time,
			request_size, response_size, client_ip, country, user_agent,
			timestamp
		FROM request_logs WHERE tunnel_id = ?
		ORDER BY timestamp DESC LIMIT ?
	`, tunnelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RequestLog
	for rows.Next() {
		var l RequestLog
		var country, ua sql.NullString
		if err := rows.Scan(&l.ID, &l.TunnelID, &l.Path, &l.Method,
			&l.StatusCode, &l.ResponseTime, &l.RequestSize, &l.ResponseSize,
			&l.ClientIP, &country, &ua, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Country = country.String
		l.UserAgent = ua.String
		out = append(out, &l)
	}
	return out, rows.Err()
}

// CreateDeviceCode stores a fresh activation code.
func (r *Repository) CreateDeviceCode(c *DeviceAuthCode) error {
	_, err := r.db.Exec(`
		INSERT INTO device_auth_codes (code, device_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, c.Code, c.DeviceID, c.ExpiresAt, time.Now().UTC())
	return err
}

// FindDeviceCode retrieves an activation code row.
func (r *Repository) FindDeviceCode(code string) (*DeviceAuthCode, error) {
	var c DeviceAuthCode
	var userID, token sql.NullString
	err := r.db.QueryRow(`
		SELECT code, device_id, user_id, token, expires_at, is_used, claimed,
			created_at
		FROM device_auth_codes WHERE code = ?
	`, code).Scan(&c.Code, &c.DeviceID, &userID, &token, &c.ExpiresAt,
		&c.IsUsed, &c.Claimed, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.UserID = userID.String
	c.Token = token.String
	return &c, nil
}

// AttachDeviceToken binds a user and session token to a pending code. The
// browser-side sign-in flow calls this once the user approves the device.
func (r *Repository) AttachDeviceToken(code, userID, token string) error {
	_, err := r.db.Exec(`
		UPDATE device_auth_codes SET user_id = ?, token = ?
		WHERE code = ? AND is_used = FALSE
	`, userID, token, code)
	return err
}

// ClaimDeviceCode marks a code consumed by the polling agent.
func (r *Repository) ClaimDeviceCode(code string) error {
	_, err := r.db.Exec(`
		UPDATE device_auth_codes SET is_used = TRUE, claimed = TRUE
		WHERE code = ?
	`, code)
	return err
}

// DeleteExpiredDeviceCodes removes codes past their expiry.
func (r *Repository) DeleteExpiredDeviceCodes(now time.Time) (int64, error) {
	res, err := r.db.Exec(
		`DELETE FROM device_auth_codes WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
