package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
)

func (h *Handlers) sendJSONResponse(w http.ResponseWriter, data interface{}) {
	h.sendJSONStatus(w, http.StatusOK, data)
}

func (h *Handlers) sendJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", err)
	}
}

func (h *Handlers) sendJSONError(w http.ResponseWriter, err error, logMsg, userMsg string, status int) {
	if err != nil {
		h.logger.Warn(logMsg,
			logging.Field{Key: "error", Value: err},
			logging.Field{Key: "status", Value: status})
	}
	h.sendJSONStatus(w, status, map[string]string{"error": userMsg})
}

// sendAppError maps the error taxonomy to HTTP status codes so every
// handler reports failures the same way.
func (h *Handlers) sendAppError(w http.ResponseWriter, err error, logMsg string) {
	status := http.StatusInternalServerError
	userMsg := "internal server error"

	switch apperrors.GetType(err) {
	case apperrors.ErrTypeValidation, apperrors.ErrTypeInvalidState, apperrors.ErrTypeTokenExchange:
		status = http.StatusBadRequest
		userMsg = err.Error()
	case apperrors.ErrTypeAuth:
		status = http.StatusUnauthorized
		userMsg = err.Error()
	case apperrors.ErrTypeNotFound:
		status = http.StatusNotFound
		userMsg = err.Error()
	case apperrors.ErrTypeSyncInProgress:
		status = http.StatusConflict
		userMsg = err.Error()
	case apperrors.ErrTypeRateLimited:
		status = http.StatusTooManyRequests
		userMsg = err.Error()
	case apperrors.ErrTypeProviderTransient:
		status = http.StatusBadGateway
		userMsg = err.Error()
	case apperrors.ErrTypeProviderPermanent, apperrors.ErrTypeRefreshFailed:
		status = http.StatusUnprocessableEntity
		userMsg = err.Error()
	}

	h.sendJSONError(w, err, logMsg, userMsg, status)
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		h.sendJSONError(w, err, "Invalid request body", "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func clientMeta(r *http.Request) (ip, userAgent string) {
	ip = r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = forwarded
	}
	return ip, r.Header.Get("User-Agent")
}
