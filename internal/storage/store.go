package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"adwatch/internal/config"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS credentials (
    provider      TEXT        NOT NULL,
    account_id    TEXT        NOT NULL,
    access_token  TEXT        NOT NULL,
    refresh_token TEXT        NOT NULL DEFAULT '',
    token_type    TEXT        NOT NULL DEFAULT '',
    issued_at     TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL,
    exchangeable  BOOLEAN     NOT NULL DEFAULT FALSE,
    PRIMARY KEY (provider, account_id)
);

CREATE TABLE IF NOT EXISTS insight_snapshots (
    provider      TEXT        NOT NULL,
    account_id    TEXT        NOT NULL,
    campaign_id   TEXT        NOT NULL,
    campaign_name TEXT        NOT NULL DEFAULT '',
    window_start  TIMESTAMPTZ NOT NULL,
    window_end    TIMESTAMPTZ NOT NULL,
    impressions   BIGINT      NOT NULL DEFAULT 0,
    clicks        BIGINT      NOT NULL DEFAULT 0,
    spend         NUMERIC     NOT NULL DEFAULT 0,
    conversions   NUMERIC     NOT NULL DEFAULT 0,
    ctr           NUMERIC     NOT NULL DEFAULT 0,
    cpc           NUMERIC     NOT NULL DEFAULT 0,
    fetched_at    TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (provider, campaign_id, window_start)
);

CREATE INDEX IF NOT EXISTS idx_insight_snapshots_fetched_at
    ON insight_snapshots (fetched_at);

CREATE TABLE IF NOT EXISTS alerts (
    id           TEXT        PRIMARY KEY,
    rule_id      TEXT        NOT NULL,
    provider     TEXT        NOT NULL,
    campaign_id  TEXT        NOT NULL,
    severity     TEXT        NOT NULL,
    status       TEXT        NOT NULL,
    value        NUMERIC     NOT NULL,
    threshold    NUMERIC     NOT NULL,
    triggered_at TIMESTAMPTZ NOT NULL,
    resolved_at  TIMESTAMPTZ,
    context      JSONB
);

CREATE INDEX IF NOT EXISTS idx_alerts_status_triggered_at
    ON alerts (status, triggered_at DESC);
`

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// EnsureSchema creates the tables the service needs if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
