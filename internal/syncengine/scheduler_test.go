package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"integration-hub/internal/providers"
	"integration-hub/internal/storage"
)

func TestRunScheduledSyncs(t *testing.T) {
	f := setupEngine(t, Options{})
	first := f.seedIntegration(t)

	now := time.Now().UTC()
	second, err := f.storage.UpsertIntegration(&storage.Integration{
		ID:                "int-2",
		TenantID:          "tenant-1",
		Provider:          "shopify",
		ExternalAccountID: "shop-2",
		AccessToken:       first.AccessToken,
		RefreshToken:      first.RefreshToken,
		SyncStatus:        storage.SyncStatusIdle,
		Active:            true,
		ConnectedAt:       now,
		UpdatedAt:         now,
	})
	require.NoError(t, err)

	// An inactive integration must be skipped.
	third, err := f.storage.UpsertIntegration(&storage.Integration{
		ID:                "int-3",
		TenantID:          "tenant-1",
		Provider:          "shopify",
		ExternalAccountID: "shop-3",
		AccessToken:       first.AccessToken,
		RefreshToken:      first.RefreshToken,
		SyncStatus:        storage.SyncStatusIdle,
		Active:            true,
		ConnectedAt:       now,
		UpdatedAt:         now,
	})
	require.NoError(t, err)
	require.NoError(t, f.storage.DeactivateIntegration(third.ID))

	f.fake.Pages = []*providers.Page{
		{Records: []map[string]interface{}{{"id": "1"}}},
	}

	scheduler := NewScheduler(f.engine, f.storage, "0 * * * *", nil)
	scheduler.runScheduledSyncs()

	for _, id := range []string{first.ID, second.ID} {
		jobs := waitForIntegrationJobs(t, f.storage, id)
		require.Len(t, jobs, 1)
		assert.Equal(t, storage.JobKindIncremental, jobs[0].Kind)
	}

	jobs, err := f.storage.ListSyncJobs(third.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunScheduledSyncsSkipsActiveJobs(t *testing.T) {
	f := setupEngine(t, Options{})
	integration := f.seedIntegration(t)

	release := make(chan struct{})
	defer close(release)
	f.fake.FetchFunc = func(ctx context.Context, accessToken, cursor string, pageSize int) (*providers.Page, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return &providers.Page{}, nil
		}
	}

	_, err := f.engine.TriggerSync(context.Background(), "tenant-1", "user-1", integration.ID, storage.JobKindManual, nil)
	require.NoError(t, err)

	scheduler := NewScheduler(f.engine, f.storage, "0 * * * *", nil)
	scheduler.runScheduledSyncs()

	jobs, err := f.storage.ListSyncJobs(integration.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSchedulerStartWithEmptySpec(t *testing.T) {
	f := setupEngine(t, Options{})
	scheduler := NewScheduler(f.engine, f.storage, "", nil)
	assert.NoError(t, scheduler.Start())
}

func waitForIntegrationJobs(t *testing.T, store storage.Storage, integrationID string) []*storage.SyncJob {
	t.Helper()
	var jobs []*storage.SyncJob
	require.Eventually(t, func() bool {
		var err error
		jobs, err = store.ListSyncJobs(integrationID, 10, 0)
		return err == nil && len(jobs) > 0
	}, 5*time.Second, 20*time.Millisecond)
	return jobs
}
