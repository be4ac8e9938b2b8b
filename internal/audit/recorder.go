// Package audit records security-relevant actions to the append-only
// audit log. Recording is synchronous but never fails the operation
// being audited: a write failure is logged and swallowed, because a
// broken audit sink must not take down OAuth or sync flows.
package audit

import (
	"context"
	"time"

	"integration-hub/internal/common/logging"
	"integration-hub/internal/common/utils"
	"integration-hub/internal/storage"
)

// Audited actions.
const (
	ActionIntegrationConnected    = "integration.connected"
	ActionIntegrationReconnected  = "integration.reconnected"
	ActionIntegrationDisconnected = "integration.disconnected"
	ActionHandshakeStarted        = "integration.handshake_started"
	ActionHandshakeFailed         = "integration.handshake_failed"
	ActionTokenRefreshed          = "integration.token_refreshed"
	ActionTokenRefreshFailed      = "integration.token_refresh_failed"
	ActionSyncTriggered           = "sync.triggered"
	ActionSyncCompleted           = "sync.completed"
	ActionSyncFailed              = "sync.failed"
	ActionSyncCancelled           = "sync.cancelled"
	ActionUserLogin               = "user.login"
)

// Entry is one action to record. TenantID and Action are required;
// everything else is optional context.
type Entry struct {
	TenantID     string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
	Details      map[string]interface{}
}

type Recorder struct {
	storage storage.Storage
	logger  logging.Logger
}

func NewRecorder(store storage.Storage, logger logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Recorder{
		storage: store,
		logger:  logger,
	}
}

// Record appends an entry to the audit log.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	logEntry := &storage.AuditLogEntry{
		ID:           utils.NewID(),
		TenantID:     entry.TenantID,
		ActorID:      entry.ActorID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		Details:      entry.Details,
		CreatedAt:    time.Now().UTC(),
	}

	if err := r.storage.AppendAuditLog(logEntry); err != nil {
		r.logger.Error("Failed to append audit log entry", err,
			logging.Field{Key: "action", Value: entry.Action},
			logging.Field{Key: "tenant_id", Value: entry.TenantID},
			logging.Field{Key: "resource_id", Value: entry.ResourceID})
	}
}

// List returns a page of a tenant's audit trail, newest first.
func (r *Recorder) List(ctx context.Context, tenantID string, limit, offset int) ([]*storage.AuditLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return r.storage.ListAuditLog(tenantID, limit, offset)
}
