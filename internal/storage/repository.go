package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"adwatch/internal/auth"
	"adwatch/internal/monitor"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	getCredentialSQL = `SELECT
        provider, account_id, access_token, refresh_token, token_type,
        issued_at, expires_at, exchangeable
    FROM credentials
    WHERE provider = $1 AND account_id = $2;`

	putCredentialSQL = `INSERT INTO credentials (
        provider, account_id, access_token, refresh_token, token_type,
        issued_at, expires_at, exchangeable
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (provider, account_id) DO UPDATE
    SET access_token  = EXCLUDED.access_token,
        refresh_token = EXCLUDED.refresh_token,
        token_type    = EXCLUDED.token_type,
        issued_at     = EXCLUDED.issued_at,
        expires_at    = EXCLUDED.expires_at,
        exchangeable  = EXCLUDED.exchangeable;`

	deleteCredentialSQL = `DELETE FROM credentials WHERE provider = $1 AND account_id = $2;`

	listCredentialsSQL = `SELECT
        provider, account_id, access_token, refresh_token, token_type,
        issued_at, expires_at, exchangeable
    FROM credentials
    ORDER BY provider, account_id;`

	upsertSnapshotSQL = `INSERT INTO insight_snapshots (
        provider, account_id, campaign_id, campaign_name,
        window_start, window_end, impressions, clicks,
        spend, conversions, ctr, cpc, fetched_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    ON CONFLICT (provider, campaign_id, window_start) DO UPDATE
    SET campaign_name = EXCLUDED.campaign_name,
        window_end    = EXCLUDED.window_end,
        impressions   = EXCLUDED.impressions,
        clicks        = EXCLUDED.clicks,
        spend         = EXCLUDED.spend,
        conversions   = EXCLUDED.conversions,
        ctr           = EXCLUDED.ctr,
        cpc           = EXCLUDED.cpc,
        fetched_at    = EXCLUDED.fetched_at
    WHERE insight_snapshots.fetched_at < EXCLUDED.fetched_at;`

	listSnapshotsBetweenSQL = `SELECT
        provider, account_id, campaign_id, campaign_name,
        window_start, window_end, impressions, clicks,
        spend, conversions, ctr, cpc, fetched_at, created_at
    FROM insight_snapshots
    WHERE fetched_at >= $1 AND fetched_at < $2
    ORDER BY fetched_at, provider, campaign_id;`

	listRecentSnapshotsSQL = `SELECT
        provider, account_id, campaign_id, campaign_name,
        window_start, window_end, impressions, clicks,
        spend, conversions, ctr, cpc, fetched_at, created_at
    FROM insight_snapshots
    ORDER BY fetched_at DESC, provider, campaign_id
    LIMIT $1;`

	insertAlertSQL = `INSERT INTO alerts (
        id, rule_id, provider, campaign_id, severity, status,
        value, threshold, triggered_at, context
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`

	updateAlertStatusSQL = `UPDATE alerts
    SET status = $2, resolved_at = $3
    WHERE id = $1;`

	listAlertsByStatusSQL = `SELECT
        id, rule_id, provider, campaign_id, severity, status,
        value, threshold, triggered_at, resolved_at, context
    FROM alerts
    WHERE status = $1
    ORDER BY triggered_at DESC
    LIMIT $2;`

	listRecentAlertsSQL = `SELECT
        id, rule_id, provider, campaign_id, severity, status,
        value, threshold, triggered_at, resolved_at, context
    FROM alerts
    ORDER BY triggered_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore defines operations for insight snapshot persistence.
type SnapshotStore interface {
	UpsertSnapshots(ctx context.Context, snapshots []InsightSnapshot) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]InsightSnapshot, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]InsightSnapshot, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to credentials, snapshots, and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. Used so only one replica runs the polling loop.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// GetCredential loads token material for one account.
func (s *Store) GetCredential(ctx context.Context, provider, accountID string) (*auth.Credential, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, getCredentialSQL, provider, accountID)
	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &cred, nil
}

// PutCredential stores or replaces token material.
func (s *Store) PutCredential(ctx context.Context, cred auth.Credential) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, putCredentialSQL,
		cred.Provider,
		cred.AccountID,
		cred.AccessToken,
		cred.RefreshToken,
		cred.TokenType,
		cred.IssuedAt,
		cred.ExpiresAt,
		cred.Exchangeable,
	)
	if execErr != nil {
		return fmt.Errorf("put credential: %w", execErr)
	}
	return nil
}

// DeleteCredential removes token material on disconnect.
func (s *Store) DeleteCredential(ctx context.Context, provider, accountID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteCredentialSQL, provider, accountID); execErr != nil {
		return fmt.Errorf("delete credential: %w", execErr)
	}
	return nil
}

// ListCredentials returns all stored credentials for the refresh sweep.
func (s *Store) ListCredentials(ctx context.Context) ([]auth.Credential, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCredentialsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list credentials: %w", queryErr)
	}
	defer rows.Close()

	creds := make([]auth.Credential, 0)
	for rows.Next() {
		cred, scanErr := scanCredential(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		creds = append(creds, cred)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return creds, nil
}

// UpsertSnapshots persists a batch of insight snapshots. An older fetch never
// overwrites a newer row for the same key.
func (s *Store) UpsertSnapshots(ctx context.Context, snapshots []InsightSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(upsertSnapshotSQL,
			snap.Provider,
			snap.AccountID,
			snap.CampaignID,
			snap.CampaignName,
			snap.WindowStart,
			snap.WindowEnd,
			snap.Impressions,
			snap.Clicks,
			snap.Spend.String(),
			snap.Conversions.String(),
			snap.CTR.String(),
			snap.CPC.String(),
			snap.FetchedAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range snapshots {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert snapshot: %w", execErr)
		}
	}
	return nil
}

// ListSnapshotsBetween lists snapshots inside a fetch-time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]InsightSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

// ListRecentSnapshots lists the most recent snapshots.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]InsightSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows)
}

// InsertAlert appends one alert to the audit trail.
func (s *Store) InsertAlert(ctx context.Context, alert monitor.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	contextJSON, err := json.Marshal(alert.Context)
	if err != nil {
		return fmt.Errorf("marshal alert context: %w", err)
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.RuleID,
		alert.Provider,
		alert.CampaignID,
		alert.Severity,
		alert.Status,
		alert.Value.String(),
		alert.Threshold.String(),
		alert.TriggeredAt,
		contextJSON,
	)
	if execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// UpdateAlertStatus transitions an alert; rows are never deleted.
func (s *Store) UpdateAlertStatus(ctx context.Context, id, status string, resolvedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var resolved interface{}
	if status == monitor.StatusResolved {
		resolved = resolvedAt
	}

	cmdTag, execErr := pool.Exec(ctx, updateAlertStatusSQL, id, status, resolved)
	if execErr != nil {
		return fmt.Errorf("update alert status: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListAlerts lists alerts, optionally filtered by status.
func (s *Store) ListAlerts(ctx context.Context, status string, limit int) ([]monitor.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		rows     pgx.Rows
		queryErr error
	)
	if status == "" {
		rows, queryErr = pool.Query(ctx, listRecentAlertsSQL, limit)
	} else {
		rows, queryErr = pool.Query(ctx, listAlertsByStatusSQL, status, limit)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]monitor.Alert, 0, limit)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanCredential(row pgx.Row) (auth.Credential, error) {
	var cred auth.Credential
	if err := row.Scan(
		&cred.Provider,
		&cred.AccountID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.TokenType,
		&cred.IssuedAt,
		&cred.ExpiresAt,
		&cred.Exchangeable,
	); err != nil {
		return auth.Credential{}, err
	}
	return cred, nil
}

func collectSnapshots(rows pgx.Rows) ([]InsightSnapshot, error) {
	snapshots := make([]InsightSnapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

func scanSnapshot(rows pgx.Rows) (InsightSnapshot, error) {
	var (
		snap           InsightSnapshot
		spendStr       string
		conversionsStr string
		ctrStr         string
		cpcStr         string
	)

	if err := rows.Scan(
		&snap.Provider,
		&snap.AccountID,
		&snap.CampaignID,
		&snap.CampaignName,
		&snap.WindowStart,
		&snap.WindowEnd,
		&snap.Impressions,
		&snap.Clicks,
		&spendStr,
		&conversionsStr,
		&ctrStr,
		&cpcStr,
		&snap.FetchedAt,
		&snap.CreatedAt,
	); err != nil {
		return InsightSnapshot{}, err
	}

	var err error
	if snap.Spend, err = decimal.NewFromString(spendStr); err != nil {
		return InsightSnapshot{}, fmt.Errorf("parse spend: %w", err)
	}
	if snap.Conversions, err = decimal.NewFromString(conversionsStr); err != nil {
		return InsightSnapshot{}, fmt.Errorf("parse conversions: %w", err)
	}
	if snap.CTR, err = decimal.NewFromString(ctrStr); err != nil {
		return InsightSnapshot{}, fmt.Errorf("parse ctr: %w", err)
	}
	if snap.CPC, err = decimal.NewFromString(cpcStr); err != nil {
		return InsightSnapshot{}, fmt.Errorf("parse cpc: %w", err)
	}

	return snap, nil
}

func scanAlert(rows pgx.Rows) (monitor.Alert, error) {
	var (
		alert        monitor.Alert
		valueStr     string
		thresholdStr string
		resolvedAt   sql.NullTime
		contextJSON  []byte
	)

	if err := rows.Scan(
		&alert.ID,
		&alert.RuleID,
		&alert.Provider,
		&alert.CampaignID,
		&alert.Severity,
		&alert.Status,
		&valueStr,
		&thresholdStr,
		&alert.TriggeredAt,
		&resolvedAt,
		&contextJSON,
	); err != nil {
		return monitor.Alert{}, err
	}

	var err error
	if alert.Value, err = decimal.NewFromString(valueStr); err != nil {
		return monitor.Alert{}, fmt.Errorf("parse alert value: %w", err)
	}
	if alert.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
		return monitor.Alert{}, fmt.Errorf("parse alert threshold: %w", err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &alert.Context); err != nil {
			return monitor.Alert{}, fmt.Errorf("parse alert context: %w", err)
		}
	}

	return alert, nil
}

var (
	_ auth.Store         = (*Store)(nil)
	_ monitor.AlertStore = (*Store)(nil)
	_ SnapshotStore      = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)
)
