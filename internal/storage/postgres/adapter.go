package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/storage"
)

type Adapter struct {
	db     *sql.DB
	config *Config
}

func NewAdapter(config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	db, err := sql.Open("pgx", config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		db:     db,
		config: config,
	}

	if err := adapter.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Adapter) Health() error {
	return a.db.Ping()
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			subdomain TEXT NOT NULL UNIQUE,
			owner_user_id TEXT NOT NULL,
			subscription_tier TEXT NOT NULL DEFAULT 'free',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			external_account_id TEXT NOT NULL,
			external_account_name TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT 'Bearer',
			scopes TEXT NOT NULL DEFAULT '[]',
			expires_at TIMESTAMPTZ,
			token_version BIGINT NOT NULL DEFAULT 1,
			last_synced_at TIMESTAMPTZ,
			sync_status TEXT NOT NULL DEFAULT 'idle',
			last_error TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			connected_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(tenant_id, provider, external_account_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_jobs (
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL REFERENCES integrations (id),
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			records_fetched INTEGER NOT NULL DEFAULT 0,
			records_processed INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			error_details TEXT NOT NULL DEFAULT '{}',
			params TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_states (
			state_token TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			redirect_after TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			actor_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_windows (
			integration_id TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			requests_made INTEGER NOT NULL DEFAULT 0,
			requests_limit INTEGER NOT NULL,
			PRIMARY KEY (integration_id, window_start)
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_users_tenant_id ON users(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_integrations_tenant_id ON integrations(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_integrations_active ON integrations(active)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_integration_id ON sync_jobs(integration_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status)`,
		// At most one pending or running job per integration, enforced even
		// under concurrent claims from separate connections.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_active
			ON sync_jobs(integration_id) WHERE status IN ('pending', 'running')`,
		`CREATE INDEX IF NOT EXISTS idx_oauth_states_expires_at ON oauth_states(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_id ON audit_logs(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

// Tenants

func (a *Adapter) CreateTenant(tenant *storage.Tenant) error {
	_, err := a.db.Exec(`
		INSERT INTO tenants (id, name, subdomain, owner_user_id, subscription_tier, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tenant.ID, tenant.Name, tenant.Subdomain, tenant.OwnerUserID,
		tenant.SubscriptionTier, tenant.Active,
		tenant.CreatedAt.UTC(), tenant.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (a *Adapter) GetTenant(id string) (*storage.Tenant, error) {
	return a.scanTenant(a.db.QueryRow(`
		SELECT id, name, subdomain, owner_user_id, subscription_tier, active, created_at, updated_at
		FROM tenants WHERE id = $1`, id))
}

func (a *Adapter) GetTenantByOwner(ownerUserID string) (*storage.Tenant, error) {
	return a.scanTenant(a.db.QueryRow(`
		SELECT id, name, subdomain, owner_user_id, subscription_tier, active, created_at, updated_at
		FROM tenants WHERE owner_user_id = $1`, ownerUserID))
}

func (a *Adapter) scanTenant(row *sql.Row) (*storage.Tenant, error) {
	tenant := &storage.Tenant{}
	err := row.Scan(&tenant.ID, &tenant.Name, &tenant.Subdomain, &tenant.OwnerUserID,
		&tenant.SubscriptionTier, &tenant.Active, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFoundError("tenant")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

func (a *Adapter) DeactivateTenant(id string) error {
	result, err := a.db.Exec(`UPDATE tenants SET active = FALSE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFoundError("tenant")
	}
	return nil
}

// Users

func (a *Adapter) CreateUser(user *storage.User) error {
	_, err := a.db.Exec(`
		INSERT INTO users (id, tenant_id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.TenantID, user.Email, user.PasswordHash, user.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (a *Adapter) GetUserByEmail(email string) (*storage.User, error) {
	user := &storage.User{}
	err := a.db.QueryRow(`
		SELECT id, tenant_id, email, password_hash, created_at
		FROM users WHERE email = $1`, email).
		Scan(&user.ID, &user.TenantID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFoundError("user")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// OAuth handshake states

func (a *Adapter) CreateOAuthState(state *storage.OAuthState) error {
	_, err := a.db.Exec(`
		INSERT INTO oauth_states (state_token, tenant_id, user_id, provider, redirect_after, created_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
		state.StateToken, state.TenantID, state.UserID, state.Provider,
		state.RedirectAfter, state.CreatedAt.UTC(), state.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}
	return nil
}

func (a *Adapter) GetOAuthState(stateToken string) (*storage.OAuthState, error) {
	state := &storage.OAuthState{}
	err := a.db.QueryRow(`
		SELECT state_token, tenant_id, user_id, provider, redirect_after, created_at, expires_at, consumed
		FROM oauth_states WHERE state_token = $1`, stateToken).
		Scan(&state.StateToken, &state.TenantID, &state.UserID, &state.Provider,
			&state.RedirectAfter, &state.CreatedAt, &state.ExpiresAt, &state.Consumed)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFoundError("oauth state")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth state: %w", err)
	}
	return state, nil
}

func (a *Adapter) ConsumeOAuthState(stateToken string, now time.Time) (*storage.OAuthState, error) {
	// The consumed flip is the atomic guard; the expiry check follows
	// it. Flipping an already-expired token is harmless because the
	// token is rejected either way.
	state := &storage.OAuthState{}
	err := a.db.QueryRow(`
		UPDATE oauth_states SET consumed = TRUE
		WHERE state_token = $1 AND consumed = FALSE
		RETURNING state_token, tenant_id, user_id, provider, redirect_after, created_at, expires_at, consumed`,
		stateToken).
		Scan(&state.StateToken, &state.TenantID, &state.UserID, &state.Provider,
			&state.RedirectAfter, &state.CreatedAt, &state.ExpiresAt, &state.Consumed)
	if err == sql.ErrNoRows {
		if _, getErr := a.GetOAuthState(stateToken); getErr != nil {
			return nil, apperrors.InvalidStateError("state token not recognized")
		}
		return nil, apperrors.InvalidStateError("state token already used")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	if !state.ExpiresAt.After(now) {
		return nil, apperrors.InvalidStateError("state token expired")
	}
	return state, nil
}

func (a *Adapter) DeleteExpiredOAuthStates(before time.Time) (int64, error) {
	result, err := a.db.Exec(`DELETE FROM oauth_states WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", err)
	}
	return result.RowsAffected()
}

// Integrations

const integrationSelect = `
	SELECT id, tenant_id, provider, external_account_id, external_account_name,
		access_token, refresh_token, token_type, scopes, expires_at,
		token_version, last_synced_at, sync_status, last_error, active,
		connected_at, updated_at
	FROM integrations`

func (a *Adapter) UpsertIntegration(integration *storage.Integration) (*storage.Integration, error) {
	scopes, err := json.Marshal(integration.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scopes: %w", err)
	}

	// Reconnecting an existing account rotates the stored tokens and
	// reactivates the row instead of creating a duplicate.
	_, err = a.db.Exec(`
		INSERT INTO integrations (
			id, tenant_id, provider, external_account_id, external_account_name,
			access_token, refresh_token, token_type, scopes, expires_at,
			token_version, sync_status, last_error, active, connected_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, '', TRUE, $12, $13)
		ON CONFLICT (tenant_id, provider, external_account_id) DO UPDATE SET
			external_account_name = EXCLUDED.external_account_name,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			token_version = integrations.token_version + 1,
			active = TRUE,
			last_error = '',
			updated_at = EXCLUDED.updated_at`,
		integration.ID, integration.TenantID, integration.Provider,
		integration.ExternalAccountID, integration.ExternalAccountName,
		integration.AccessToken, integration.RefreshToken, integration.TokenType,
		string(scopes), nullableTime(integration.ExpiresAt),
		integration.SyncStatus, integration.ConnectedAt.UTC(), integration.UpdatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert integration: %w", err)
	}

	return a.scanIntegration(a.db.QueryRow(
		integrationSelect+` WHERE tenant_id = $1 AND provider = $2 AND external_account_id = $3`,
		integration.TenantID, integration.Provider, integration.ExternalAccountID))
}

func (a *Adapter) GetIntegration(id string) (*storage.Integration, error) {
	return a.scanIntegration(a.db.QueryRow(integrationSelect+` WHERE id = $1`, id))
}

func (a *Adapter) ListIntegrations(tenantID string) ([]*storage.Integration, error) {
	rows, err := a.db.Query(integrationSelect+` WHERE tenant_id = $1 ORDER BY connected_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()
	return a.collectIntegrations(rows)
}

func (a *Adapter) ListActiveIntegrations() ([]*storage.Integration, error) {
	rows, err := a.db.Query(integrationSelect + ` WHERE active = TRUE ORDER BY connected_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active integrations: %w", err)
	}
	defer rows.Close()
	return a.collectIntegrations(rows)
}

func (a *Adapter) collectIntegrations(rows *sql.Rows) ([]*storage.Integration, error) {
	var integrations []*storage.Integration
	for rows.Next() {
		integration, err := scanIntegrationFrom(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}
	return integrations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (a *Adapter) scanIntegration(row *sql.Row) (*storage.Integration, error) {
	integration, err := scanIntegrationFrom(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFoundError("integration")
	}
	return integration, err
}

func scanIntegrationFrom(row rowScanner) (*storage.Integration, error) {
	integration := &storage.Integration{}
	var scopes string
	var expiresAt, lastSyncedAt sql.NullTime

	err := row.Scan(&integration.ID, &integration.TenantID, &integration.Provider,
		&integration.ExternalAccountID, &integration.ExternalAccountName,
		&integration.AccessToken, &integration.RefreshToken, &integration.TokenType,
		&scopes, &expiresAt, &integration.TokenVersion, &lastSyncedAt,
		&integration.SyncStatus, &integration.LastError, &integration.Active,
		&integration.ConnectedAt, &integration.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan integration: %w", err)
	}

	if err := json.Unmarshal([]byte(scopes), &integration.Scopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		integration.ExpiresAt = &t
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		integration.LastSyncedAt = &t
	}
	return integration, nil
}

func (a *Adapter) UpdateIntegrationTokens(id string, expectedVersion int64, accessToken, refreshToken string, expiresAt *time.Time) (*storage.Integration, error) {
	result, err := a.db.Exec(`
		UPDATE integrations SET
			access_token = $1,
			refresh_token = $2,
			expires_at = $3,
			token_version = token_version + 1,
			updated_at = $4
		WHERE id = $5 AND token_version = $6`,
		accessToken, refreshToken, nullableTime(expiresAt), time.Now().UTC(), id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update integration tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update integration tokens: %w", err)
	}
	if rows == 0 {
		if _, getErr := a.GetIntegration(id); getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.ValidationError("token version conflict: integration tokens were rotated concurrently")
	}
	return a.GetIntegration(id)
}

func (a *Adapter) SetIntegrationSyncState(id string, syncStatus string, lastError string, lastSyncedAt *time.Time) error {
	result, err := a.db.Exec(`
		UPDATE integrations SET
			sync_status = $1,
			last_error = $2,
			last_synced_at = COALESCE($3, last_synced_at),
			updated_at = $4
		WHERE id = $5`,
		syncStatus, lastError, nullableTime(lastSyncedAt), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set integration sync state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFoundError("integration")
	}
	return nil
}

func (a *Adapter) DeactivateIntegration(id string) error {
	result, err := a.db.Exec(`
		UPDATE integrations SET active = FALSE, sync_status = $1, updated_at = $2 WHERE id = $3`,
		storage.SyncStatusIdle, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate integration: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFoundError("integration")
	}
	return nil
}

// Sync jobs

const syncJobSelect = `
	SELECT id, integration_id, kind, status, started_at, completed_at,
		records_fetched, records_processed, records_failed,
		error_message, error_details, params
	FROM sync_jobs`

func (a *Adapter) ClaimSyncJob(job *storage.SyncJob) error {
	errorDetails, err := json.Marshal(emptyMap(job.ErrorDetails))
	if err != nil {
		return fmt.Errorf("failed to marshal error details: %w", err)
	}
	params, err := json.Marshal(emptyMap(job.Params))
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	// The conditional insert is the exclusivity claim: it lands only
	// when no pending or running job exists for this integration. Two
	// claims racing under READ COMMITTED can both pass the NOT EXISTS
	// check, so idx_sync_jobs_active backstops the loser with a unique
	// violation.
	result, err := a.db.Exec(`
		INSERT INTO sync_jobs (id, integration_id, kind, status, started_at, error_details, params)
		SELECT $1, $2, $3, 'pending', $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_jobs
			WHERE integration_id = $2 AND status IN ('pending', 'running')
		)`,
		job.ID, job.IntegrationID, job.Kind, job.StartedAt.UTC(),
		string(errorDetails), string(params))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.SyncInProgressError(job.IntegrationID)
		}
		return fmt.Errorf("failed to claim sync job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim sync job: %w", err)
	}
	if rows == 0 {
		return apperrors.SyncInProgressError(job.IntegrationID)
	}
	job.Status = storage.JobStatusPending
	return nil
}

func (a *Adapter) GetSyncJob(id string) (*storage.SyncJob, error) {
	job, err := scanSyncJob(a.db.QueryRow(syncJobSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFoundError("sync job")
	}
	return job, err
}

func (a *Adapter) ListSyncJobs(integrationID string, limit, offset int) ([]*storage.SyncJob, error) {
	rows, err := a.db.Query(
		syncJobSelect+` WHERE integration_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		integrationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*storage.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanSyncJob(row rowScanner) (*storage.SyncJob, error) {
	job := &storage.SyncJob{}
	var completedAt sql.NullTime
	var errorDetails, params string

	err := row.Scan(&job.ID, &job.IntegrationID, &job.Kind, &job.Status,
		&job.StartedAt, &completedAt,
		&job.RecordsFetched, &job.RecordsProcessed, &job.RecordsFailed,
		&job.ErrorMessage, &errorDetails, &params)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync job: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(errorDetails), &job.ErrorDetails); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return job, nil
}

func (a *Adapter) MarkSyncJobRunning(id string) error {
	result, err := a.db.Exec(`
		UPDATE sync_jobs SET status = 'running' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark sync job running: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark sync job running: %w", err)
	}
	if rows == 0 {
		return apperrors.ValidationError("sync job is not pending")
	}
	return nil
}

func (a *Adapter) CompleteSyncJob(job *storage.SyncJob) error {
	if job.Status != storage.JobStatusCompleted && job.Status != storage.JobStatusFailed {
		return apperrors.ValidationError("completion status must be completed or failed")
	}

	errorDetails, err := json.Marshal(emptyMap(job.ErrorDetails))
	if err != nil {
		return fmt.Errorf("failed to marshal error details: %w", err)
	}

	result, err := a.db.Exec(`
		UPDATE sync_jobs SET
			status = $1,
			completed_at = $2,
			records_fetched = $3,
			records_processed = $4,
			records_failed = $5,
			error_message = $6,
			error_details = $7
		WHERE id = $8 AND status = 'running'`,
		job.Status, nullableTime(job.CompletedAt),
		job.RecordsFetched, job.RecordsProcessed, job.RecordsFailed,
		job.ErrorMessage, string(errorDetails), job.ID)
	if err != nil {
		return fmt.Errorf("failed to complete sync job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete sync job: %w", err)
	}
	if rows == 0 {
		return apperrors.ValidationError("sync job is not running")
	}
	return nil
}

func (a *Adapter) CancelSyncJob(id string, completedAt time.Time) (bool, error) {
	result, err := a.db.Exec(`
		UPDATE sync_jobs SET status = 'cancelled', completed_at = $1
		WHERE id = $2 AND status IN ('pending', 'running')`,
		completedAt.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel sync job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to cancel sync job: %w", err)
	}
	return rows > 0, nil
}

// Rate limit windows

func (a *Adapter) IncrementRateWindow(integrationID string, windowStart, windowEnd time.Time, cost, limit int) (bool, error) {
	if cost > limit {
		return false, nil
	}

	// Insert-or-increment with the cap check in the same statement, so
	// concurrent callers can never push requests_made past the limit.
	result, err := a.db.Exec(`
		INSERT INTO rate_limit_windows (integration_id, window_start, window_end, requests_made, requests_limit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (integration_id, window_start) DO UPDATE SET
			requests_made = rate_limit_windows.requests_made + EXCLUDED.requests_made
		WHERE rate_limit_windows.requests_made + EXCLUDED.requests_made <= rate_limit_windows.requests_limit`,
		integrationID, windowStart.UTC(), windowEnd.UTC(), cost, limit)
	if err != nil {
		return false, fmt.Errorf("failed to increment rate window: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate window: %w", err)
	}
	return rows > 0, nil
}

func (a *Adapter) GetRateWindow(integrationID string, windowStart time.Time) (*storage.RateLimitWindow, error) {
	window := &storage.RateLimitWindow{}
	err := a.db.QueryRow(`
		SELECT integration_id, window_start, window_end, requests_made, requests_limit
		FROM rate_limit_windows WHERE integration_id = $1 AND window_start = $2`,
		integrationID, windowStart.UTC()).
		Scan(&window.IntegrationID, &window.WindowStart, &window.WindowEnd,
			&window.RequestsMade, &window.RequestsLimit)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFoundError("rate limit window")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window: %w", err)
	}
	return window, nil
}

// Audit log

func (a *Adapter) AppendAuditLog(entry *storage.AuditLogEntry) error {
	details, err := json.Marshal(emptyMap(entry.Details))
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	_, err = a.db.Exec(`
		INSERT INTO audit_logs (id, tenant_id, actor_id, action, resource_type, resource_id, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.TenantID, entry.ActorID, entry.Action,
		entry.ResourceType, entry.ResourceID, entry.IPAddress, entry.UserAgent,
		string(details), entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

func (a *Adapter) ListAuditLog(tenantID string, limit, offset int) ([]*storage.AuditLogEntry, error) {
	rows, err := a.db.Query(`
		SELECT id, tenant_id, actor_id, action, resource_type, resource_id, ip_address, user_agent, details, created_at
		FROM audit_logs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var entries []*storage.AuditLogEntry
	for rows.Next() {
		entry := &storage.AuditLogEntry{}
		var details string
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.ActorID, &entry.Action,
			&entry.ResourceType, &entry.ResourceID, &entry.IPAddress, &entry.UserAgent,
			&details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log entry: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func emptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
