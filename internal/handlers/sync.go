package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"integration-hub/internal/auth"
	"integration-hub/internal/common/pagination"
	"integration-hub/internal/storage"
)

type triggerSyncRequest struct {
	Kind   string                 `json:"kind"`
	Params map[string]interface{} `json:"params"`
}

// HandleTriggerSync starts a sync job for an integration. Returns 409
// when a job is already pending or running.
func (h *Handlers) HandleTriggerSync(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	integrationID := mux.Vars(r)["id"]

	req := triggerSyncRequest{Kind: storage.JobKindManual}
	if r.Body != nil && r.ContentLength > 0 {
		if !h.decodeJSON(w, r, &req) {
			return
		}
		if req.Kind == "" {
			req.Kind = storage.JobKindManual
		}
	}

	job, err := h.engine.TriggerSync(r.Context(), identity.TenantID, identity.UserID, integrationID, req.Kind, req.Params)
	if err != nil {
		h.sendAppError(w, err, "Failed to trigger sync")
		return
	}

	h.sendJSONStatus(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// HandleGetSyncJob returns one job's status and counters.
func (h *Handlers) HandleGetSyncJob(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	vars := mux.Vars(r)

	job, err := h.storage.GetSyncJob(vars["job_id"])
	if err != nil {
		h.sendAppError(w, err, "Failed to get sync job")
		return
	}
	if job.IntegrationID != vars["id"] || !h.ownsIntegration(identity.TenantID, job.IntegrationID) {
		h.sendJSONError(w, nil, "", "sync job not found", http.StatusNotFound)
		return
	}

	h.sendJSONResponse(w, job)
}

// HandleListSyncJobs returns the job history for one integration,
// newest first.
func (h *Handlers) HandleListSyncJobs(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	integrationID := mux.Vars(r)["id"]

	if !h.ownsIntegration(identity.TenantID, integrationID) {
		h.sendJSONError(w, nil, "", "integration not found", http.StatusNotFound)
		return
	}

	page := pagination.ParseParams(r)
	jobs, err := h.storage.ListSyncJobs(integrationID, page.Limit, page.Offset)
	if err != nil {
		h.sendAppError(w, err, "Failed to list sync jobs")
		return
	}

	h.sendJSONResponse(w, map[string]interface{}{"jobs": jobs})
}

// HandleCancelSync cancels a pending or running job.
func (h *Handlers) HandleCancelSync(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	jobID := mux.Vars(r)["job_id"]

	if err := h.engine.CancelSync(r.Context(), identity.TenantID, identity.UserID, jobID); err != nil {
		h.sendAppError(w, err, "Failed to cancel sync job")
		return
	}

	h.sendJSONResponse(w, map[string]string{
		"job_id": jobID,
		"status": storage.JobStatusCancelled,
	})
}

func (h *Handlers) ownsIntegration(tenantID, integrationID string) bool {
	integration, err := h.storage.GetIntegration(integrationID)
	return err == nil && integration.TenantID == tenantID
}

