package app

import (
	"net/http"

	"github.com/gorilla/mux"
	"integration-hub/internal/handlers"
	"integration-hub/internal/metrics"
	"integration-hub/internal/middleware"
)

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, authMiddleware func(http.Handler) http.Handler) {
	// Add logging and metrics middleware to all routes
	router.Use(middleware.LoggingMiddleware)
	router.Use(metrics.HTTPMiddleware(routeTemplate))

	// Health check and metrics (no auth required)
	router.HandleFunc("/health", h.HandleHealth).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Login (no auth required)
	router.HandleFunc("/api/auth/login", h.HandleLogin).Methods("POST")

	// OAuth callback is hit by the provider redirect, so it carries no
	// bearer token. The one-time state token authenticates the request.
	router.HandleFunc("/api/oauth/callback", h.HandleOAuthCallback).Methods("GET")

	// Protected routes - require authentication
	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)

	// Integration management endpoints
	api.HandleFunc("/integrations", h.HandleListIntegrations).Methods("GET")
	api.HandleFunc("/integrations/{provider}/connect", h.HandleConnect).Methods("POST")
	api.HandleFunc("/integrations/{id}", h.HandleGetIntegration).Methods("GET")
	api.HandleFunc("/integrations/{id}", h.HandleDisconnect).Methods("DELETE")

	// Sync endpoints
	api.HandleFunc("/integrations/{id}/sync", h.HandleTriggerSync).Methods("POST")
	api.HandleFunc("/integrations/{id}/sync", h.HandleListSyncJobs).Methods("GET")
	api.HandleFunc("/integrations/{id}/sync/{job_id}", h.HandleGetSyncJob).Methods("GET")
	api.HandleFunc("/integrations/{id}/sync/{job_id}/cancel", h.HandleCancelSync).Methods("POST")

	// Audit trail endpoints
	api.HandleFunc("/audit", h.HandleListAudit).Methods("GET")
}

// routeTemplate resolves the mux path template for a request so metric
// labels stay bounded regardless of path parameter values.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return "unmatched"
}
