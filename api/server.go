/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/tasks/*          Task view: plan, links, dialog, costs, stream
  /api/links/*          Unlink and consumption by link ID
  /api/scenarios/*      Demo scenarios
  /api/audit/*          Link audit runs
  /                     Endpoint index

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. audit may be
// nil when the scheduler is disabled.
func NewRouter(h *Handler, audit *AuditScheduler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Get("/links", h.ListLinks)
				r.Get("/reservations", h.ListReservations)
				r.Get("/costs", h.GetCosts)
				r.Get("/sync", h.GetSyncState)
				r.Get("/audit", h.GetAudit)
				r.Get("/stream", h.Stream)

				r.Route("/ingredients/{ingredientID}", func(r chi.Router) {
					r.Get("/link-dialog", h.GetLinkDialog)
					r.Post("/links", h.CreateLink)
					r.Delete("/links", h.UnlinkIngredient)
					r.Put("/quantity", h.UpdateIngredientQuantity)
				})

				r.Post("/mixings", h.AddMixing)
				r.Delete("/mixings/{headerID}", h.RemoveMixing)
				r.Post("/checks/{checkID}", h.ToggleCheck)
			})
		})

		// Link routes
		r.Route("/links/{id}", func(r chi.Router) {
			r.Delete("/", h.DeleteLink)
			r.Post("/consumption", h.RecordConsumption)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})

		// Audit routes
		if audit != nil {
			r.Route("/audit", func(r chi.Router) {
				r.Get("/latest", audit.LatestRun)
				r.Post("/run", audit.TriggerRun)
			})
		}
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Mixing Plan Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Mixing Plan Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/tasks">/api/tasks</a> - List tasks</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
<li>/api/tasks/{id}/costs - Cost summary</li>
<li>/api/tasks/{id}/stream - Live changes (WebSocket)</li>
</ul>
</body>
</html>`))
	})

	return r
}
