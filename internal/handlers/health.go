package handlers

import (
	"net/http"
)

// HandleHealth reports storage reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.Health(); err != nil {
		h.sendJSONStatus(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	h.sendJSONResponse(w, map[string]string{"status": "ok"})
}
