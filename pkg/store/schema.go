package store

// Schema is the full DDL for a fresh database. Statements are idempotent so
// the migrate command can be re-run safely.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    plan          TEXT NOT NULL DEFAULT 'trial',
    plan_expires  TIMESTAMPTZ,
    is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS instances (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name             TEXT NOT NULL,
    local_port       INTEGER NOT NULL,
    region           TEXT NOT NULL DEFAULT '',
    preferred_host   TEXT,
    assigned_relay   TEXT,
    status           TEXT NOT NULL DEFAULT 'inactive',
    status_reason    TEXT NOT NULL DEFAULT '',
    tunnel_connected BOOLEAN NOT NULL DEFAULT FALSE,
    public_url       TEXT,
    remote_port      INTEGER,
    current_token    TEXT,
    token_expires_at TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_instances_user ON instances(user_id);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

CREATE TABLE IF NOT EXISTS tunnel_tokens (
    token       TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tunnel_tokens_instance ON tunnel_tokens(instance_id);
CREATE INDEX IF NOT EXISTS idx_tunnel_tokens_expires ON tunnel_tokens(expires_at);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    token      TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);

CREATE TABLE IF NOT EXISTS health_metrics (
    id                  BIGSERIAL PRIMARY KEY,
    instance_id         TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
    ts                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    vscode_responsive   BOOLEAN,
    last_activity_epoch BIGINT,
    cpu_pct             DOUBLE PRECISION,
    mem_bytes           BIGINT,
    has_code_server     BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_health_metrics_instance ON health_metrics(instance_id, ts DESC);

CREATE TABLE IF NOT EXISTS status_history (
    id          BIGSERIAL PRIMARY KEY,
    instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
    ts          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    status      TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_status_history_instance ON status_history(instance_id, ts DESC);

CREATE TABLE IF NOT EXISTS bore_servers (
    id                TEXT PRIMARY KEY,
    host              TEXT NOT NULL,
    port              INTEGER NOT NULL,
    location          TEXT NOT NULL DEFAULT '',
    max_tunnels       INTEGER NOT NULL DEFAULT 0,
    max_bw_mbps       DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_load      INTEGER NOT NULL DEFAULT 0,
    current_bw_mbps   DOUBLE PRECISION NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'active',
    last_health_check TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS waitlist (
    email      TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
