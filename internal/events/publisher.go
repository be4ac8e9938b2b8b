// Package events publishes sync lifecycle events to AMQP for
// downstream consumers. Publishing is optional: with no broker
// configured the engine runs with a no-op publisher.
package events

import (
	"context"
	"time"
)

// Event types emitted on the sync events exchange.
const (
	TypeSyncCompleted         = "sync.completed"
	TypeSyncFailed            = "sync.failed"
	TypeSyncCancelled         = "sync.cancelled"
	TypeIntegrationConnected  = "integration.connected"
	TypeIntegrationDisconnect = "integration.disconnected"
)

// Event is one sync lifecycle notification.
type Event struct {
	Type             string    `json:"type"`
	TenantID         string    `json:"tenant_id"`
	IntegrationID    string    `json:"integration_id"`
	Provider         string    `json:"provider"`
	JobID            string    `json:"job_id,omitempty"`
	JobKind          string    `json:"job_kind,omitempty"`
	RecordsFetched   int       `json:"records_fetched,omitempty"`
	RecordsProcessed int       `json:"records_processed,omitempty"`
	RecordsFailed    int       `json:"records_failed,omitempty"`
	Error            string    `json:"error,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Publisher delivers events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// NoopPublisher drops every event. Used when AMQP is not configured.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, event *Event) error {
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}
