package handlers

import (
	"net/http"

	"integration-hub/internal/auth"
	"integration-hub/internal/common/pagination"
)

// HandleListAudit returns the tenant's audit trail, newest first.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())

	page := pagination.ParseParams(r)
	entries, err := h.audit.List(r.Context(), identity.TenantID, page.Limit, page.Offset)
	if err != nil {
		h.sendAppError(w, err, "Failed to list audit log")
		return
	}

	h.sendJSONResponse(w, map[string]interface{}{"entries": entries})
}
