// Package syncengine orchestrates sync jobs end to end: claiming,
// token freshness, rate budget, paginated fetching with retry, and
// structured result recording. At most one job runs per integration at
// any instant; the claim in storage enforces that across instances.
package syncengine

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"integration-hub/internal/audit"
	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/common/utils"
	"integration-hub/internal/events"
	"integration-hub/internal/locks"
	"integration-hub/internal/metrics"
	"integration-hub/internal/oauth"
	"integration-hub/internal/providers"
	"integration-hub/internal/ratelimit"
	"integration-hub/internal/redis"
	"integration-hub/internal/storage"
)

// RecordSink consumes one fetched page and reports how many records it
// processed and how many it rejected. The default sink accepts
// everything; downstream consumers plug in their own.
type RecordSink func(ctx context.Context, integration *storage.Integration, records []map[string]interface{}) (processed, failed int, err error)

// Options tune engine behavior. Zero values fall back to defaults.
type Options struct {
	JobTimeout     time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	PageSize       int
	CheckpointTTL  time.Duration
}

func (o *Options) applyDefaults() {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.CheckpointTTL <= 0 {
		o.CheckpointTTL = time.Hour
	}
}

// Engine runs sync jobs. Jobs execute on goroutines owned by the
// engine; Stop waits for in-flight jobs to wind down.
type Engine struct {
	storage   storage.Storage
	registry  *providers.Registry
	refresher *oauth.Refresher
	governor  *ratelimit.Governor
	locks     locks.Manager
	redis     *redis.Client
	audit     *audit.Recorder
	publisher events.Publisher
	logger    logging.Logger
	opts      Options
	sink      RecordSink

	mu      gosync.Mutex
	running map[string]context.CancelFunc
	wg      gosync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func NewEngine(store storage.Storage, registry *providers.Registry, refresher *oauth.Refresher, governor *ratelimit.Governor, lockManager locks.Manager, redisClient *redis.Client, recorder *audit.Recorder, publisher events.Publisher, logger logging.Logger, opts Options) *Engine {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	opts.applyDefaults()

	baseCtx, baseCancel := context.WithCancel(context.Background())
	engine := &Engine{
		storage:    store,
		registry:   registry,
		refresher:  refresher,
		governor:   governor,
		locks:      lockManager,
		redis:      redisClient,
		audit:      recorder,
		publisher:  publisher,
		logger:     logger,
		opts:       opts,
		running:    make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	engine.sink = engine.defaultSink
	return engine
}

// SetRecordSink replaces the record consumer. Must be called before
// any job is triggered.
func (e *Engine) SetRecordSink(sink RecordSink) {
	if sink != nil {
		e.sink = sink
	}
}

func (e *Engine) defaultSink(ctx context.Context, integration *storage.Integration, records []map[string]interface{}) (int, int, error) {
	return len(records), 0, nil
}

// Start begins listening for cross-instance cancellation broadcasts.
func (e *Engine) Start() error {
	if e.redis == nil {
		return nil
	}
	cancellations, err := e.redis.SubscribeCancellations(e.baseCtx)
	if err != nil {
		return err
	}
	go func() {
		for jobID := range cancellations {
			e.cancelLocal(jobID)
		}
	}()
	return nil
}

// Stop cancels running jobs and waits for their goroutines to finish.
func (e *Engine) Stop() {
	e.baseCancel()
	e.wg.Wait()
}

func validKind(kind string) bool {
	switch kind {
	case storage.JobKindFull, storage.JobKindIncremental, storage.JobKindManual:
		return true
	}
	return false
}

// TriggerSync claims a job for the integration and starts executing it
// asynchronously. Returns sync_in_progress when another job is already
// pending or running.
func (e *Engine) TriggerSync(ctx context.Context, tenantID, actorID, integrationID, kind string, params map[string]interface{}) (*storage.SyncJob, error) {
	if !validKind(kind) {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown sync kind %q", kind))
	}

	integration, err := e.storage.GetIntegration(integrationID)
	if err != nil {
		return nil, err
	}
	if integration.TenantID != tenantID {
		return nil, apperrors.NotFoundError("integration")
	}
	if !integration.Active {
		return nil, apperrors.InvalidStateError("integration is disconnected")
	}

	job := &storage.SyncJob{
		ID:            utils.NewID(),
		IntegrationID: integrationID,
		Kind:          kind,
		Status:        storage.JobStatusPending,
		StartedAt:     time.Now().UTC(),
		Params:        params,
	}
	if err := e.storage.ClaimSyncJob(job); err != nil {
		return nil, err
	}

	e.audit.Record(ctx, audit.Entry{
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       audit.ActionSyncTriggered,
		ResourceType: "sync_job",
		ResourceID:   job.ID,
		Details:      map[string]interface{}{"kind": kind, "integration_id": integrationID},
	})

	e.logger.Info("Sync job triggered",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "integration_id", Value: integrationID},
		logging.Field{Key: "kind", Value: kind})

	e.wg.Add(1)
	go e.run(job, integration)

	return job, nil
}

// CancelSync cancels a pending or running job. The storage transition
// wins any race with completion; the running goroutine is signalled
// cooperatively and stops between pages or retries.
func (e *Engine) CancelSync(ctx context.Context, tenantID, actorID, jobID string) error {
	job, err := e.storage.GetSyncJob(jobID)
	if err != nil {
		return err
	}
	integration, err := e.storage.GetIntegration(job.IntegrationID)
	if err != nil {
		return err
	}
	if integration.TenantID != tenantID {
		return apperrors.NotFoundError("sync job")
	}

	cancelled, err := e.storage.CancelSyncJob(jobID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !cancelled {
		return apperrors.InvalidStateError("sync job is already in a terminal state")
	}

	e.cancelLocal(jobID)
	if e.redis != nil {
		if err := e.redis.PublishCancellation(ctx, jobID); err != nil {
			e.logger.Warn("Failed to broadcast job cancellation",
				logging.Field{Key: "job_id", Value: jobID},
				logging.Field{Key: "error", Value: err})
		}
	}

	e.audit.Record(ctx, audit.Entry{
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       audit.ActionSyncCancelled,
		ResourceType: "sync_job",
		ResourceID:   jobID,
	})

	e.publishEvent(ctx, events.TypeSyncCancelled, integration, job, "")
	return nil
}

func (e *Engine) cancelLocal(jobID string) {
	e.mu.Lock()
	cancel, ok := e.running[jobID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) register(jobID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[jobID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregister(jobID string) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
}

type runResult struct {
	fetched   int
	processed int
	failed    int
}

func (e *Engine) run(job *storage.SyncJob, integration *storage.Integration) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.baseCtx, e.opts.JobTimeout)
	defer cancel()
	e.register(job.ID, cancel)
	defer e.unregister(job.ID)

	// An advisory lock per job keeps a redeployed instance from double
	// executing; the storage claim remains the authority.
	if lock, err := e.locks.AcquireJobLock(ctx, job.ID); err == nil {
		defer lock.Release(context.Background())
	}

	if err := e.storage.MarkSyncJobRunning(job.ID); err != nil {
		// Cancelled between claim and start.
		e.logger.Debug("Sync job never started",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "error", Value: err})
		return
	}
	if err := e.storage.SetIntegrationSyncState(integration.ID, storage.SyncStatusSyncing, "", nil); err != nil {
		e.logger.Warn("Failed to mark integration syncing", logging.Field{Key: "error", Value: err})
	}

	started := time.Now()
	result, runErr := e.execute(ctx, job, integration)
	e.finish(job, integration, result, runErr, time.Since(started))
}

func (e *Engine) execute(ctx context.Context, job *storage.SyncJob, integration *storage.Integration) (*runResult, error) {
	result := &runResult{}

	provider, err := e.registry.Get(integration.Provider)
	if err != nil {
		return result, err
	}

	cursor := e.resumeCursor(ctx, job, integration)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		token, err := e.refresher.EnsureFresh(ctx, integration.ID)
		metrics.ObserveTokenRefresh(integration.Provider, err)
		if err != nil {
			return result, err
		}

		if err := e.awaitBudget(ctx, integration); err != nil {
			return result, err
		}

		page, err := e.fetchWithRetry(ctx, provider, token, cursor)
		if err != nil {
			return result, err
		}

		result.fetched += len(page.Records)
		processed, failed, err := e.sink(ctx, integration, page.Records)
		if err != nil {
			return result, apperrors.InternalError("record sink failed", err)
		}
		result.processed += processed
		result.failed += failed

		e.saveCheckpoint(ctx, job, integration, page.NextCursor, result.fetched)

		if !page.HasMore {
			return result, nil
		}
		cursor = page.NextCursor
	}
}

// resumeCursor returns the cached cursor for interrupted incremental
// work. Full syncs always start from the beginning.
func (e *Engine) resumeCursor(ctx context.Context, job *storage.SyncJob, integration *storage.Integration) string {
	if e.redis == nil || job.Kind == storage.JobKindFull {
		return ""
	}
	checkpoint, err := e.redis.GetSyncCheckpoint(ctx, integration.ID)
	if err != nil || checkpoint == nil {
		return ""
	}
	e.logger.Debug("Resuming sync from checkpoint",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "cursor", Value: checkpoint.Cursor})
	return checkpoint.Cursor
}

func (e *Engine) saveCheckpoint(ctx context.Context, job *storage.SyncJob, integration *storage.Integration, cursor string, fetched int) {
	if e.redis == nil {
		return
	}
	err := e.redis.SaveSyncCheckpoint(ctx, integration.ID, &redis.SyncCheckpoint{
		JobID:          job.ID,
		Cursor:         cursor,
		RecordsFetched: fetched,
	}, e.opts.CheckpointTTL)
	if err != nil {
		e.logger.Warn("Failed to save sync checkpoint",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "error", Value: err})
	}
}

func (e *Engine) clearCheckpoint(integration *storage.Integration) {
	if e.redis == nil {
		return
	}
	if err := e.redis.DeleteSyncCheckpoint(context.Background(), integration.ID); err != nil {
		e.logger.Warn("Failed to clear sync checkpoint",
			logging.Field{Key: "integration_id", Value: integration.ID},
			logging.Field{Key: "error", Value: err})
	}
}

// awaitBudget blocks until the governor grants one request or the job
// context ends. Denials sleep until the window closes rather than
// busy-polling.
func (e *Engine) awaitBudget(ctx context.Context, integration *storage.Integration) error {
	for {
		granted, err := e.governor.TryAcquire(ctx, integration.ID, integration.Provider, 1)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}

		metrics.RateLimitDenialsTotal.WithLabelValues(integration.Provider).Inc()
		wait := e.governor.WaitTime(time.Now())
		e.logger.Debug("Rate budget exhausted, backing off",
			logging.Field{Key: "integration_id", Value: integration.ID},
			logging.Field{Key: "wait", Value: wait})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func isRetryable(err error) bool {
	return apperrors.IsType(err, apperrors.ErrTypeProviderTransient) ||
		apperrors.IsType(err, apperrors.ErrTypeConnection) ||
		apperrors.IsType(err, apperrors.ErrTypeTimeout)
}

func (e *Engine) fetchWithRetry(ctx context.Context, provider providers.Provider, token, cursor string) (*providers.Page, error) {
	var page *providers.Page
	retryConfig := utils.RetryConfig{
		MaxAttempts:     e.opts.RetryAttempts,
		InitialDelay:    e.opts.RetryBaseDelay,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		JitterFactor:    0.1,
		RetryableErrors: isRetryable,
	}

	var lastErr error
	err := utils.RetryWithBackoff(ctx, retryConfig, func() error {
		fetched, fetchErr := provider.FetchPage(ctx, token, cursor, e.opts.PageSize)
		if fetchErr != nil {
			lastErr = fetchErr
			metrics.ProviderRequestsTotal.WithLabelValues(provider.Name(), "failure").Inc()
			return fetchErr
		}
		metrics.ProviderRequestsTotal.WithLabelValues(provider.Name(), "success").Inc()
		page = fetched
		return nil
	})
	if err != nil {
		// RetryWithBackoff wraps exhausted retries; surface the typed
		// provider error instead.
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return page, nil
}

func (e *Engine) finish(job *storage.SyncJob, integration *storage.Integration, result *runResult, runErr error, elapsed time.Duration) {
	now := time.Now().UTC()
	ctx := context.Background()

	job.RecordsFetched = result.fetched
	job.RecordsProcessed = result.processed
	job.RecordsFailed = result.failed
	job.CompletedAt = &now

	switch {
	case runErr == nil:
		job.Status = storage.JobStatusCompleted
		if err := e.storage.CompleteSyncJob(job); err != nil {
			// A cancel landing after the final page moves the job out of
			// running before completion can be recorded. The stored status
			// decides the bookkeeping, not the run outcome.
			if e.wasCancelled(job.ID) {
				e.finishCancelled(job, integration, result, elapsed)
				return
			}
			e.logger.Error("Failed to record sync completion", err,
				logging.Field{Key: "job_id", Value: job.ID})
		}
		if err := e.storage.SetIntegrationSyncState(integration.ID, storage.SyncStatusIdle, "", &now); err != nil {
			e.logger.Warn("Failed to update integration after sync", logging.Field{Key: "error", Value: err})
		}
		e.clearCheckpoint(integration)
		e.audit.Record(ctx, audit.Entry{
			TenantID:     integration.TenantID,
			Action:       audit.ActionSyncCompleted,
			ResourceType: "sync_job",
			ResourceID:   job.ID,
			Details: map[string]interface{}{
				"records_fetched":   result.fetched,
				"records_processed": result.processed,
			},
		})
		e.publishEvent(ctx, events.TypeSyncCompleted, integration, job, "")
		metrics.ObserveSyncJob(integration.Provider, job.Kind, storage.JobStatusCompleted, elapsed, result.fetched)

		e.logger.Info("Sync job completed",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "records_fetched", Value: result.fetched},
			logging.Field{Key: "duration", Value: elapsed})

	case e.wasCancelled(job.ID):
		e.finishCancelled(job, integration, result, elapsed)

	default:
		message, details := describeFailure(runErr, e.opts.JobTimeout)
		job.Status = storage.JobStatusFailed
		job.ErrorMessage = message
		job.ErrorDetails = details
		if err := e.storage.CompleteSyncJob(job); err != nil {
			e.logger.Error("Failed to record sync failure", err,
				logging.Field{Key: "job_id", Value: job.ID})
		}
		if err := e.storage.SetIntegrationSyncState(integration.ID, storage.SyncStatusError, message, nil); err != nil {
			e.logger.Warn("Failed to update integration after sync failure", logging.Field{Key: "error", Value: err})
		}
		e.audit.Record(ctx, audit.Entry{
			TenantID:     integration.TenantID,
			Action:       audit.ActionSyncFailed,
			ResourceType: "sync_job",
			ResourceID:   job.ID,
			Details:      details,
		})
		e.publishEvent(ctx, events.TypeSyncFailed, integration, job, message)
		metrics.ObserveSyncJob(integration.Provider, job.Kind, storage.JobStatusFailed, elapsed, result.fetched)

		e.logger.Warn("Sync job failed",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "error", Value: message})
	}
}

// finishCancelled resets the integration without touching
// last_synced_at. CancelSync already moved the job to cancelled and
// audited.
func (e *Engine) finishCancelled(job *storage.SyncJob, integration *storage.Integration, result *runResult, elapsed time.Duration) {
	if err := e.storage.SetIntegrationSyncState(integration.ID, storage.SyncStatusIdle, "", nil); err != nil {
		e.logger.Warn("Failed to reset integration after cancellation", logging.Field{Key: "error", Value: err})
	}
	metrics.ObserveSyncJob(integration.Provider, job.Kind, storage.JobStatusCancelled, elapsed, result.fetched)
	e.logger.Info("Sync job cancelled",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "records_fetched", Value: result.fetched})
}

// wasCancelled re-reads the job to distinguish a cooperative
// cancellation from other context errors.
func (e *Engine) wasCancelled(jobID string) bool {
	job, err := e.storage.GetSyncJob(jobID)
	if err != nil {
		return false
	}
	return job.Status == storage.JobStatusCancelled
}

// describeFailure maps a run error to the stored message and detail.
// Timeouts get a distinct shape so operators can tell a stuck provider
// from a genuine failure.
func describeFailure(runErr error, timeout time.Duration) (string, map[string]interface{}) {
	if runErr == context.DeadlineExceeded {
		return fmt.Sprintf("sync job exceeded its %s timeout", timeout),
			map[string]interface{}{"timeout": true}
	}
	if runErr == context.Canceled {
		return "sync job interrupted by shutdown",
			map[string]interface{}{"interrupted": true}
	}
	details := map[string]interface{}{"error": runErr.Error()}
	if errType := apperrors.GetType(runErr); errType != "" {
		details["error_type"] = string(errType)
	}
	return runErr.Error(), details
}

func (e *Engine) publishEvent(ctx context.Context, eventType string, integration *storage.Integration, job *storage.SyncJob, errMsg string) {
	err := e.publisher.Publish(ctx, &events.Event{
		Type:             eventType,
		TenantID:         integration.TenantID,
		IntegrationID:    integration.ID,
		Provider:         integration.Provider,
		JobID:            job.ID,
		JobKind:          job.Kind,
		RecordsFetched:   job.RecordsFetched,
		RecordsProcessed: job.RecordsProcessed,
		RecordsFailed:    job.RecordsFailed,
		Error:            errMsg,
		OccurredAt:       time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("Failed to publish sync event",
			logging.Field{Key: "type", Value: eventType},
			logging.Field{Key: "job_id", Value: job.ID})
	}
}
