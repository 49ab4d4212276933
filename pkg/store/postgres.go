package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/types"
)

const pqUniqueViolation = "23505"

// PostgresStore implements Store on top of PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool against the given DSN
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errdefs.Internal("open database: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection, used by tests
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return errdefs.Internal("apply schema: %v", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errdefs.Unavailable("database unreachable: %v", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// mapErr translates driver errors into errdefs kinds. Connection-class
// failures come back as unavailable so callers can retry them.
func mapErr(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errdefs.NotFound("%s", notFoundMsg)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case string(pqErr.Code) == pqUniqueViolation:
			return errdefs.Conflict("already exists").WithCause(err)
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "53" || pqErr.Code.Class() == "57":
			return errdefs.Unavailable("database unavailable: %v", err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) {
		return errdefs.Unavailable("database unavailable: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errdefs.Unavailable("database unavailable: %v", err)
	}
	return errdefs.Internal("database error: %v", err)
}

// User operations

func (s *PostgresStore) CreateUser(ctx context.Context, user *types.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, name, plan, plan_expires, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, user.PasswordHash, user.Name, user.Plan, user.PlanExpires, user.IsAdmin, user.CreatedAt)
	return mapErr(err, "user not found")
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err, "user not found")
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var u types.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, email)
	if err != nil {
		return nil, mapErr(err, "user not found")
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUserPlan(ctx context.Context, userID string, plan types.PlanType, expires *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET plan = $1, plan_expires = $2 WHERE id = $3`,
		plan, expires, userID)
	if err != nil {
		return mapErr(err, "user not found")
	}
	return requireRow(res, "user not found")
}

// Instance operations

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *types.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, user_id, name, local_port, region, preferred_host,
			assigned_relay, status, status_reason, tunnel_connected, public_url,
			remote_port, current_token, token_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		inst.ID, inst.UserID, inst.Name, inst.LocalPort, inst.Region, inst.PreferredHost,
		inst.AssignedRelay, inst.Status, inst.StatusReason, inst.TunnelConnected, inst.PublicURL,
		inst.RemotePort, inst.CurrentToken, inst.TokenExpiresAt, inst.CreatedAt, inst.UpdatedAt)
	return mapErr(err, "instance not found")
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	var inst types.Instance
	err := s.db.GetContext(ctx, &inst, `SELECT * FROM instances WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err, "instance not found")
	}
	return &inst, nil
}

func (s *PostgresStore) ListInstancesByUser(ctx context.Context, userID string) ([]*types.Instance, error) {
	var out []*types.Instance
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM instances WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapErr(err, "instance not found")
	}
	return out, nil
}

func (s *PostgresStore) ListInstancesByStatuses(ctx context.Context, statuses ...types.InstanceStatus) ([]*types.Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM instances WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, errdefs.Internal("build query: %v", err)
	}
	query = s.db.Rebind(query)
	var out []*types.Instance
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, mapErr(err, "instance not found")
	}
	return out, nil
}

func (s *PostgresStore) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "instance not found")
	}
	return requireRow(res, "instance not found")
}

func (s *PostgresStore) TransitionInstance(ctx context.Context, id string, fn func(*types.Instance) (*InstancePatch, error)) (*types.Instance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errdefs.Internal("begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inst types.Instance
	if err := tx.GetContext(ctx, &inst, `SELECT * FROM instances WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, mapErr(err, "instance not found")
	}

	patch, err := fn(&inst)
	if err != nil {
		return nil, err
	}
	if patch == nil {
		return &inst, nil
	}

	now := time.Now().UTC()
	changed := patch.ChangesStatus(inst.Status)
	patch.Apply(&inst, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE instances SET
			name = $1, status = $2, status_reason = $3, tunnel_connected = $4,
			assigned_relay = $5, public_url = $6, remote_port = $7,
			current_token = $8, token_expires_at = $9, updated_at = $10
		WHERE id = $11`,
		inst.Name, inst.Status, inst.StatusReason, inst.TunnelConnected,
		inst.AssignedRelay, inst.PublicURL, inst.RemotePort,
		inst.CurrentToken, inst.TokenExpiresAt, inst.UpdatedAt, id)
	if err != nil {
		return nil, mapErr(err, "instance not found")
	}

	if patch.Rotate != nil || patch.RevokeToken {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tunnel_tokens WHERE instance_id = $1`, id); err != nil {
			return nil, mapErr(err, "instance not found")
		}
	}
	if patch.Rotate != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tunnel_tokens (token, instance_id, user_id, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			patch.Rotate.Token, id, inst.UserID, patch.Rotate.ExpiresAt, now)
		if err != nil {
			return nil, mapErr(err, "instance not found")
		}
	}

	if changed {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO status_history (instance_id, ts, status, reason)
			VALUES ($1, $2, $3, $4)`,
			id, now, inst.Status, inst.StatusReason)
		if err != nil {
			return nil, mapErr(err, "instance not found")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errdefs.Internal("commit transaction: %v", err)
	}
	return &inst, nil
}

// Tunnel token operations

func (s *PostgresStore) SaveTunnelToken(ctx context.Context, token *types.TunnelToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tunnel_tokens (token, instance_id, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		token.Token, token.InstanceID, token.UserID, token.ExpiresAt, token.CreatedAt)
	return mapErr(err, "token not found")
}

func (s *PostgresStore) GetTunnelToken(ctx context.Context, token string) (*types.TunnelToken, error) {
	var t types.TunnelToken
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tunnel_tokens WHERE token = $1`, token)
	if err != nil {
		return nil, mapErr(err, "token not found")
	}
	return &t, nil
}

func (s *PostgresStore) DeleteTunnelToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tunnel_tokens WHERE token = $1`, token)
	return mapErr(err, "token not found")
}

func (s *PostgresStore) DeleteInstanceTokens(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tunnel_tokens WHERE instance_id = $1`, instanceID)
	return mapErr(err, "token not found")
}

func (s *PostgresStore) DeleteUserTunnelTokens(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tunnel_tokens WHERE user_id = $1`, userID)
	return mapErr(err, "token not found")
}

func (s *PostgresStore) DeleteExpiredTunnelTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tunnel_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, mapErr(err, "token not found")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Refresh token operations

func (s *PostgresStore) SaveRefreshToken(ctx context.Context, token *types.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`,
		token.Token, token.UserID, token.ExpiresAt, token.CreatedAt)
	return mapErr(err, "refresh token not found")
}

func (s *PostgresStore) GetRefreshToken(ctx context.Context, token string) (*types.RefreshToken, error) {
	var t types.RefreshToken
	err := s.db.GetContext(ctx, &t, `SELECT * FROM refresh_tokens WHERE token = $1`, token)
	if err != nil {
		return nil, mapErr(err, "refresh token not found")
	}
	return &t, nil
}

func (s *PostgresStore) DeleteRefreshToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = $1`, token)
	if err != nil {
		return mapErr(err, "refresh token not found")
	}
	return requireRow(res, "refresh token not found")
}

func (s *PostgresStore) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	return mapErr(err, "refresh token not found")
}

// Health samples

func (s *PostgresStore) SaveHealthSample(ctx context.Context, sample *types.HealthSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_metrics (instance_id, ts, vscode_responsive, last_activity_epoch, cpu_pct, mem_bytes, has_code_server)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sample.InstanceID, sample.Timestamp, sample.VSCodeResponsive, sample.LastActivityEpoch,
		sample.CPUPct, sample.MemBytes, sample.HasCodeServer)
	return mapErr(err, "instance not found")
}

func (s *PostgresStore) LatestHealthSample(ctx context.Context, instanceID string) (*types.HealthSample, error) {
	var sample types.HealthSample
	err := s.db.GetContext(ctx, &sample, `
		SELECT instance_id, ts, vscode_responsive, last_activity_epoch, cpu_pct, mem_bytes, has_code_server
		FROM health_metrics WHERE instance_id = $1 ORDER BY ts DESC LIMIT 1`, instanceID)
	if err != nil {
		return nil, mapErr(err, "no health samples")
	}
	return &sample, nil
}

// Status history

func (s *PostgresStore) ListStatusHistory(ctx context.Context, instanceID string, limit int) ([]*types.StatusHistoryEntry, error) {
	var out []*types.StatusHistoryEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT instance_id, ts, status, reason FROM status_history
		WHERE instance_id = $1 ORDER BY ts DESC LIMIT $2`, instanceID, limit)
	if err != nil {
		return nil, mapErr(err, "instance not found")
	}
	return out, nil
}

// Relay operations

func (s *PostgresStore) UpsertRelay(ctx context.Context, relay *types.Relay) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bore_servers (id, host, port, location, max_tunnels, max_bw_mbps,
			current_load, current_bw_mbps, status, last_health_check)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host, port = EXCLUDED.port, location = EXCLUDED.location,
			max_tunnels = EXCLUDED.max_tunnels, max_bw_mbps = EXCLUDED.max_bw_mbps,
			status = EXCLUDED.status, last_health_check = EXCLUDED.last_health_check`,
		relay.ID, relay.Host, relay.Port, relay.Location, relay.MaxTunnels, relay.MaxBandwidth,
		relay.CurrentLoad, relay.CurrentBW, relay.Status, relay.LastHealthCheck)
	return mapErr(err, "relay not found")
}

func (s *PostgresStore) SetRelayStatus(ctx context.Context, relayID string, status types.RelayStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bore_servers SET status = $1, last_health_check = $2 WHERE id = $3`,
		status, at, relayID)
	if err != nil {
		return mapErr(err, "relay not found")
	}
	return requireRow(res, "relay not found")
}

func (s *PostgresStore) UpdateRelayLoad(ctx context.Context, relayID string, load int, bwMbps float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bore_servers SET current_load = $1, current_bw_mbps = $2 WHERE id = $3`,
		load, bwMbps, relayID)
	if err != nil {
		return mapErr(err, "relay not found")
	}
	return requireRow(res, "relay not found")
}

func (s *PostgresStore) ListRelays(ctx context.Context) ([]*types.Relay, error) {
	var out []*types.Relay
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM bore_servers ORDER BY id`)
	if err != nil {
		return nil, mapErr(err, "relay not found")
	}
	return out, nil
}

// Aggregates

func (s *PostgresStore) CountActiveTunnels(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM instances WHERE status IN ('active', 'online', 'idle', 'degraded')`)
	if err != nil {
		return 0, mapErr(err, "instance not found")
	}
	return n, nil
}

func (s *PostgresStore) CountUserActiveTunnels(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM instances
		WHERE user_id = $1 AND status IN ('active', 'online', 'idle', 'degraded', 'starting')`, userID)
	if err != nil {
		return 0, mapErr(err, "instance not found")
	}
	return n, nil
}

func (s *PostgresStore) JoinWaitlist(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waitlist (email, created_at) VALUES ($1, NOW())
		ON CONFLICT (email) DO NOTHING`, email)
	if err != nil {
		return mapErr(err, "")
	}
	return nil
}

func requireRow(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errdefs.Internal("rows affected: %v", err)
	}
	if n == 0 {
		return errdefs.NotFound("%s", notFoundMsg)
	}
	return nil
}
