package syncengine

import (
	"context"

	"github.com/robfig/cron/v3"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/storage"
)

// scheduleActor identifies scheduler-triggered jobs in the audit log.
const scheduleActor = "scheduler"

// Scheduler fires incremental syncs for every active integration on a
// cron schedule. Overlap needs no handling here: an integration with a
// job already pending or running rejects the new claim.
type Scheduler struct {
	engine  *Engine
	storage storage.Storage
	logger  logging.Logger
	spec    string
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(engine *Engine, store storage.Storage, spec string, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		engine:  engine,
		storage: store,
		logger:  logger,
		spec:    spec,
		cron:    cron.New(),
	}
}

// Start registers the schedule and begins firing. An empty spec
// disables scheduled syncs entirely.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		s.logger.Info("Scheduled syncs disabled")
		return nil
	}

	entryID, err := s.cron.AddFunc(s.spec, s.runScheduledSyncs)
	if err != nil {
		return apperrors.ConfigError("invalid sync schedule: " + err.Error())
	}
	s.entryID = entryID
	s.cron.Start()

	s.logger.Info("Sync scheduler started", logging.Field{Key: "schedule", Value: s.spec})
	return nil
}

// Stop halts the schedule. Jobs already triggered keep running under
// the engine's lifecycle.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Sync scheduler stopped")
}

func (s *Scheduler) runScheduledSyncs() {
	integrations, err := s.storage.ListActiveIntegrations()
	if err != nil {
		s.logger.Error("Failed to list integrations for scheduled sync", err)
		return
	}

	ctx := context.Background()
	triggered := 0
	for _, integration := range integrations {
		_, err := s.engine.TriggerSync(ctx, integration.TenantID, scheduleActor, integration.ID, storage.JobKindIncremental, nil)
		if err != nil {
			if apperrors.IsType(err, apperrors.ErrTypeSyncInProgress) {
				s.logger.Debug("Skipping scheduled sync, job already active",
					logging.Field{Key: "integration_id", Value: integration.ID})
				continue
			}
			s.logger.Warn("Failed to trigger scheduled sync",
				logging.Field{Key: "integration_id", Value: integration.ID},
				logging.Field{Key: "error", Value: err})
			continue
		}
		triggered++
	}

	if triggered > 0 {
		s.logger.Info("Scheduled syncs triggered",
			logging.Field{Key: "count", Value: triggered},
			logging.Field{Key: "integrations", Value: len(integrations)})
	}
}
