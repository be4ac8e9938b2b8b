package app

import (
	"net/http"

	"github.com/gorilla/mux"
	"integration-hub/internal/handlers"
	"integration-hub/internal/server"
)

// RunServer builds the HTTP handler stack and returns the server ready
// to start.
func (app *App) RunServer() (*server.Server, http.Handler) {
	h := handlers.New(
		app.Storage,
		app.Config,
		app.Auth,
		app.OAuthManager,
		app.Engine,
		app.Audit,
		app.Logger,
	)

	router := mux.NewRouter()
	SetupRoutes(router, h, app.Auth.RequireAuth)

	srv := server.New(router, app.Config.Port, "", "")

	return srv, router
}
