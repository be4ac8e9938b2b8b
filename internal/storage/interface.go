package storage

import (
	"time"
)

// Integration sync statuses.
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
)

// Sync job lifecycle states. Transitions are monotonic: pending may
// move to running or cancelled, running may move to completed, failed
// or cancelled, and no job ever leaves a terminal state.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Sync job kinds.
const (
	JobKindFull        = "full"
	JobKindIncremental = "incremental"
	JobKindManual      = "manual"
)

// IsTerminalJobStatus reports whether a job status is terminal.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Tenant is an organization using the platform. Tenants are soft
// deactivated on churn and never hard-deleted, to preserve the audit
// trail.
type Tenant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Subdomain        string    `json:"subdomain"`
	OwnerUserID      string    `json:"owner_user_id"`
	SubscriptionTier string    `json:"subscription_tier"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// User is a platform login belonging to a tenant.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Integration is one connected external provider account for a tenant.
// Token fields hold ciphertext; encryption and decryption happen in the
// oauth package before tokens reach or leave storage. TokenVersion is
// the optimistic-concurrency guard for token rotation: every token
// write checks the version it read and fails on mismatch.
//
// At most one active Integration exists per
// (tenant, provider, external account) tuple.
type Integration struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Provider            string     `json:"provider"`
	ExternalAccountID   string     `json:"external_account_id"`
	ExternalAccountName string     `json:"external_account_name"`
	AccessToken         string     `json:"-"`
	RefreshToken        string     `json:"-"`
	TokenType           string     `json:"token_type"`
	Scopes              []string   `json:"scopes,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	TokenVersion        int64      `json:"-"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	SyncStatus          string     `json:"sync_status"`
	LastError           string     `json:"last_error,omitempty"`
	Active              bool       `json:"active"`
	ConnectedAt         time.Time  `json:"connected_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SyncJob is one execution attempt against an Integration. For a given
// Integration at most one SyncJob is pending or running at any instant;
// ClaimSyncJob enforces that at the storage level.
type SyncJob struct {
	ID               string                 `json:"id"`
	IntegrationID    string                 `json:"integration_id"`
	Kind             string                 `json:"kind"`
	Status           string                 `json:"status"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	RecordsFetched   int                    `json:"records_fetched"`
	RecordsProcessed int                    `json:"records_processed"`
	RecordsFailed    int                    `json:"records_failed"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	ErrorDetails     map[string]interface{} `json:"error_details,omitempty"`
	Params           map[string]interface{} `json:"params,omitempty"`
}

// OAuthState is a short-lived CSRF token for one in-flight OAuth
// handshake. Each state token is single use: Consumed flips from false
// to true exactly once, and expired tokens are rejected even if
// unconsumed.
type OAuthState struct {
	StateToken    string    `json:"-"`
	TenantID      string    `json:"tenant_id"`
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	RedirectAfter string    `json:"redirect_after"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Consumed      bool      `json:"consumed"`
}

// AuditLogEntry is an immutable record of a security-relevant action.
// Entries are append-only: storage exposes no update or delete path.
type AuditLogEntry struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	ActorID      string                 `json:"actor_id,omitempty"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// RateLimitWindow is a time-bounded request budget for one Integration.
// One row exists per (integration, window_start); requests_made never
// exceeds requests_limit because the increment is atomic with the cap
// check.
type RateLimitWindow struct {
	IntegrationID string    `json:"integration_id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	RequestsMade  int       `json:"requests_made"`
	RequestsLimit int       `json:"requests_limit"`
}

// Storage is the persistence contract shared by the SQLite and
// PostgreSQL adapters. Methods that enforce invariants (ConsumeOAuthState,
// ClaimSyncJob, UpdateIntegrationTokens, IncrementRateWindow) must do so
// with a single atomic statement, not read-then-write, because multiple
// service instances share one database.
type Storage interface {
	Close() error
	Health() error

	// Tenants
	CreateTenant(tenant *Tenant) error
	GetTenant(id string) (*Tenant, error)
	GetTenantByOwner(ownerUserID string) (*Tenant, error)
	DeactivateTenant(id string) error

	// Users
	CreateUser(user *User) error
	GetUserByEmail(email string) (*User, error)

	// OAuth handshake states
	CreateOAuthState(state *OAuthState) error
	GetOAuthState(stateToken string) (*OAuthState, error)
	// ConsumeOAuthState atomically flips the consumed flag for an
	// unconsumed, unexpired state token and returns the state. It
	// returns an invalid_state error when the token is unknown,
	// already consumed, or expired, so a replayed callback can never
	// succeed twice.
	ConsumeOAuthState(stateToken string, now time.Time) (*OAuthState, error)
	// DeleteExpiredOAuthStates garbage-collects stale unconsumed
	// entries and returns the number removed.
	DeleteExpiredOAuthStates(before time.Time) (int64, error)

	// Integrations
	// UpsertIntegration inserts a new integration or, when the
	// (tenant, provider, external account) tuple already exists,
	// updates the existing row in place and reactivates it. The
	// returned value carries the persisted ID and token version.
	UpsertIntegration(integration *Integration) (*Integration, error)
	GetIntegration(id string) (*Integration, error)
	ListIntegrations(tenantID string) ([]*Integration, error)
	ListActiveIntegrations() ([]*Integration, error)
	// UpdateIntegrationTokens writes a rotated token pair guarded by
	// the token version the caller read. On a version conflict it
	// returns ErrTokenVersionConflict wrapped as a validation error so
	// the caller re-reads instead of clobbering a newer rotation.
	UpdateIntegrationTokens(id string, expectedVersion int64, accessToken, refreshToken string, expiresAt *time.Time) (*Integration, error)
	SetIntegrationSyncState(id string, syncStatus string, lastError string, lastSyncedAt *time.Time) error
	DeactivateIntegration(id string) error

	// Sync jobs
	// ClaimSyncJob inserts the job in pending state only if no other
	// pending or running job exists for the integration; otherwise it
	// returns a sync_in_progress error.
	ClaimSyncJob(job *SyncJob) error
	GetSyncJob(id string) (*SyncJob, error)
	ListSyncJobs(integrationID string, limit, offset int) ([]*SyncJob, error)
	// MarkSyncJobRunning transitions pending -> running. It fails if
	// the job is in any other state (e.g. cancelled before start).
	MarkSyncJobRunning(id string) error
	// CompleteSyncJob transitions running -> completed/failed with the
	// final counters and error detail. It refuses to overwrite a
	// terminal state, so a cancellation that landed first wins.
	CompleteSyncJob(job *SyncJob) error
	// CancelSyncJob transitions pending/running -> cancelled. It
	// returns false when the job was already terminal.
	CancelSyncJob(id string, completedAt time.Time) (bool, error)

	// Rate limit windows
	// IncrementRateWindow finds or creates the window row and
	// increments requests_made by cost only if the result stays within
	// requests_limit. Returns false without mutating state when the
	// budget is exhausted.
	IncrementRateWindow(integrationID string, windowStart, windowEnd time.Time, cost, limit int) (bool, error)
	GetRateWindow(integrationID string, windowStart time.Time) (*RateLimitWindow, error)

	// Audit log (append-only)
	AppendAuditLog(entry *AuditLogEntry) error
	ListAuditLog(tenantID string, limit, offset int) ([]*AuditLogEntry, error)
}
