package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&Config{
		Address:  mr.Addr(),
		PoolSize: 10,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
	})

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("requires config", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.Error(t, err)
	})

	t.Run("connects and reports healthy", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		assert.NoError(t, client.Health())
	})

	t.Run("fails when server is unreachable", func(t *testing.T) {
		_, err := NewClient(&Config{Address: "localhost:1"})
		assert.Error(t, err)
	})
}

func TestCheckProviderBudget(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	t.Run("allows requests under the limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			allowed, count, err := client.CheckProviderBudget(ctx, "integration-1", 5, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, i, count)
		}
	})

	t.Run("rejects once the window is full", func(t *testing.T) {
		allowed, count, err := client.CheckProviderBudget(ctx, "integration-1", 5, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 5, count)
	})

	t.Run("tracks integrations independently", func(t *testing.T) {
		allowed, _, err := client.CheckProviderBudget(ctx, "integration-2", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestSyncCheckpoints(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		checkpoint := &SyncCheckpoint{
			JobID:          "job-1",
			Cursor:         "page-42",
			RecordsFetched: 4200,
			UpdatedAt:      time.Now().UTC(),
		}
		require.NoError(t, client.SaveSyncCheckpoint(ctx, "integration-1", checkpoint, time.Hour))

		got, err := client.GetSyncCheckpoint(ctx, "integration-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, "page-42", got.Cursor)
		assert.Equal(t, 4200, got.RecordsFetched)
	})

	t.Run("missing checkpoint returns nil", func(t *testing.T) {
		got, err := client.GetSyncCheckpoint(ctx, "integration-none")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete removes the checkpoint", func(t *testing.T) {
		require.NoError(t, client.DeleteSyncCheckpoint(ctx, "integration-1"))
		got, err := client.GetSyncCheckpoint(ctx, "integration-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("checkpoint expires with ttl", func(t *testing.T) {
		checkpoint := &SyncCheckpoint{JobID: "job-2", Cursor: "page-1"}
		require.NoError(t, client.SaveSyncCheckpoint(ctx, "integration-3", checkpoint, time.Minute))

		mr.FastForward(2 * time.Minute)

		got, err := client.GetSyncCheckpoint(ctx, "integration-3")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestCancellationBroadcast(t *testing.T) {
	client, _ := setupTestRedis(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received, err := client.SubscribeCancellations(ctx)
	require.NoError(t, err)

	require.NoError(t, client.PublishCancellation(ctx, "job-99"))

	select {
	case jobID := <-received:
		assert.Equal(t, "job-99", jobID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for cancellation broadcast")
	}
}
