package audit

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-hub/internal/storage"
	"integration-hub/internal/storage/sqlite"
)

func setupRecorder(t *testing.T) *Recorder {
	tmpfile, err := os.CreateTemp("", "audit-test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	t.Cleanup(func() {
		os.Remove(tmpfile.Name())
	})

	store, err := sqlite.NewAdapter(&sqlite.Config{DatabasePath: tmpfile.Name()})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})

	return NewRecorder(store, nil)
}

func TestRecordAndList(t *testing.T) {
	recorder := setupRecorder(t)
	ctx := context.Background()

	recorder.Record(ctx, Entry{
		TenantID:     "tenant-1",
		ActorID:      "user-1",
		Action:       ActionIntegrationConnected,
		ResourceType: "integration",
		ResourceID:   "integration-1",
		IPAddress:    "10.1.2.3",
		UserAgent:    "test-agent",
		Details:      map[string]interface{}{"provider": "shopify"},
	})
	recorder.Record(ctx, Entry{
		TenantID: "tenant-1",
		ActorID:  "user-1",
		Action:   ActionSyncTriggered,
	})

	entries, err := recorder.List(ctx, "tenant-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionIntegrationConnected, entries[1].Action)
	assert.Equal(t, "shopify", entries[1].Details["provider"])
	assert.Equal(t, "10.1.2.3", entries[1].IPAddress)
}

func TestListClampsPaging(t *testing.T) {
	recorder := setupRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		recorder.Record(ctx, Entry{TenantID: "tenant-1", Action: ActionSyncTriggered})
	}

	entries, err := recorder.List(ctx, "tenant-1", -5, -10)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "invalid paging falls back to defaults")
}

type failingStore struct {
	storage.Storage
}

func (f *failingStore) AppendAuditLog(entry *storage.AuditLogEntry) error {
	return errors.New("sink unavailable")
}

func TestRecordSwallowsStorageFailure(t *testing.T) {
	recorder := NewRecorder(&failingStore{}, nil)

	assert.NotPanics(t, func() {
		recorder.Record(context.Background(), Entry{
			TenantID: "tenant-1",
			Action:   ActionIntegrationConnected,
		})
	})
}
