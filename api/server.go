/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. CORS:       Cross-origin requests for the operator frontend
  4. BearerAuth: Credential extraction (disabled with an empty secret)

ROUTE GROUPS:
  /api/billing/batches/*   Batch staging, editing, posting
  /api/agreements/*        Agreement clause ordering
  /api/payments/*          Payment recording and allocation lookups

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. authSecret
// empty means unauthenticated dev mode.
func NewRouter(h *Handler, authSecret string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(BearerAuth(authSecret))

	r.Route("/api", func(r chi.Router) {
		// Batch routes
		r.Route("/billing/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/draft", h.StageBatch)
			r.Get("/{id}", h.PreviewBatch)
			r.Post("/{id}/post", h.PostBatch)
			r.Post("/{id}/select-all", h.SelectAll)
			r.Post("/{id}/items/bulk", h.BulkUpdate)
			r.Put("/{id}/items/{itemID}", h.UpdateLine)
			r.Delete("/{id}/items/{itemID}", h.RemoveLine)
			r.Post("/{id}/items/{itemID}/select", h.ToggleSelection)
		})

		// Agreement clause routes
		r.Route("/agreements/{id}/clauses", func(r chi.Router) {
			r.Get("/", h.ListClauses)
			r.Post("/", h.CreateClause)
			r.Put("/{clauseID}", h.UpdateClause)
			r.Patch("/{clauseID}/reorder", h.ReorderClause)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.RecordPayment)
			r.Get("/invoice/{id}", h.InvoiceAllocations)
			r.Get("/outstanding", h.OutstandingInvoices)
		})
	})

	return r
}
