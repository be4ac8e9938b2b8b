package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"integration-hub/internal/auth"
	"integration-hub/internal/oauth"
)

type connectRequest struct {
	RedirectAfter string `json:"redirect_after"`
}

type connectResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

// HandleConnect starts an OAuth handshake for the named provider.
func (h *Handlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	provider := mux.Vars(r)["provider"]

	var req connectRequest
	if r.Body != nil && r.ContentLength > 0 {
		if !h.decodeJSON(w, r, &req) {
			return
		}
	}

	authURL, err := h.oauthManager.BeginHandshake(r.Context(), identity.TenantID, identity.UserID, provider, req.RedirectAfter)
	if err != nil {
		h.sendAppError(w, err, "Failed to begin OAuth handshake")
		return
	}

	h.sendJSONResponse(w, connectResponse{AuthorizationURL: authURL})
}

// HandleOAuthCallback completes a handshake. The route is unauthenticated
// and provider agnostic: the single-use state token both authorizes the
// exchange and identifies the provider.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ip, userAgent := clientMeta(r)

	integration, redirectAfter, err := h.oauthManager.HandleCallback(
		r.Context(),
		query.Get("state"),
		query.Get("code"),
		query.Get("error"),
		oauth.CallbackMeta{IPAddress: ip, UserAgent: userAgent},
	)
	if err != nil {
		h.sendAppError(w, err, "OAuth callback failed")
		return
	}

	if redirectAfter != "" {
		http.Redirect(w, r, redirectAfter, http.StatusFound)
		return
	}

	h.sendJSONResponse(w, map[string]string{
		"integration_id": integration.ID,
		"status":         "connected",
	})
}

// HandleListIntegrations returns the tenant's integrations, including
// inactive ones retained for the audit trail.
func (h *Handlers) HandleListIntegrations(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())

	integrations, err := h.storage.ListIntegrations(identity.TenantID)
	if err != nil {
		h.sendAppError(w, err, "Failed to list integrations")
		return
	}

	h.sendJSONResponse(w, map[string]interface{}{"integrations": integrations})
}

// HandleGetIntegration returns one integration owned by the tenant.
func (h *Handlers) HandleGetIntegration(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	integrationID := mux.Vars(r)["id"]

	integration, err := h.storage.GetIntegration(integrationID)
	if err != nil {
		h.sendAppError(w, err, "Failed to get integration")
		return
	}
	if integration.TenantID != identity.TenantID {
		h.sendJSONError(w, nil, "", "integration not found", http.StatusNotFound)
		return
	}

	h.sendJSONResponse(w, integration)
}

// HandleDisconnect deactivates an integration and revokes its token
// with the provider when possible.
func (h *Handlers) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	integrationID := mux.Vars(r)["id"]
	ip, userAgent := clientMeta(r)

	err := h.oauthManager.Disconnect(r.Context(), identity.TenantID, identity.UserID, integrationID,
		oauth.CallbackMeta{IPAddress: ip, UserAgent: userAgent})
	if err != nil {
		h.sendAppError(w, err, "Failed to disconnect integration")
		return
	}

	h.sendJSONResponse(w, map[string]string{
		"integration_id": integrationID,
		"status":         "disconnected",
	})
}
