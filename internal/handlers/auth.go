package handlers

import (
	"net/http"

	"integration-hub/internal/audit"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

// HandleLogin validates credentials and issues a bearer token.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		h.sendJSONError(w, nil, "", "email and password are required", http.StatusBadRequest)
		return
	}

	token, user, err := h.auth.Login(req.Email, req.Password)
	if err != nil {
		h.sendAppError(w, err, "Login failed")
		return
	}

	ip, userAgent := clientMeta(r)
	h.audit.Record(r.Context(), audit.Entry{
		TenantID:  user.TenantID,
		ActorID:   user.ID,
		Action:    audit.ActionUserLogin,
		IPAddress: ip,
		UserAgent: userAgent,
	})

	h.sendJSONResponse(w, loginResponse{
		Token:    token,
		UserID:   user.ID,
		TenantID: user.TenantID,
	})
}
