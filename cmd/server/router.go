package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/chalford/parchment-api/internal/api"
	apimiddleware "github.com/chalford/parchment-api/internal/api/middleware"
)

// setupRouter creates the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.TraceMiddleware)
	r.Use(apimiddleware.OwnerMiddleware)

	sessionHandler := api.NewSessionHandler(app.sessions)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", sessionHandler.Create)
		r.Post("/sessions/{id}/files", sessionHandler.UploadFile)
		r.Post("/sessions/{id}/submit", sessionHandler.Submit)
		r.Get("/sessions/{id}/status", sessionHandler.Status)
		r.Delete("/sessions/{id}", sessionHandler.Delete)
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := app.db.PingContext(req.Context()); err != nil {
			app.logger.Error("health check database ping failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
