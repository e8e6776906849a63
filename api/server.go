/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:        Request logging
  2. Recoverer:     Panic recovery (500 instead of crash)
  3. RequestID:     Unique ID per request for tracing
  4. CORS:          Cross-origin requests for the desk frontend
  5. StaffIdentity: Attribution for every write

ROUTE GROUPS:
  /api/members/*        Membership and verification
  /api/suppliers/*      Supplier master data
  /api/products/*       Product catalog, batches, stock
  /api/inventory/*      Movement ledger operations
  /api/dispense         Dispense transactions
  /api/orders/*         Order lookup
  /api/audit            Audit trail queries

SECURITY NOTE:
  Staff identity is extracted but not verified here; an upstream
  gateway owns authentication. See staff.go.

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Staff-Id"},
		AllowCredentials: true,
	}))
	r.Use(StaffIdentity)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.CreateMember)
			r.Get("/{id}", h.GetMember)
			r.Put("/{id}", h.UpdateMember)
			r.Delete("/{id}", h.DeleteMember)
			r.Post("/{id}/verify", h.VerifyMember)
			r.Get("/{id}/verifications", h.ListVerifications)
			r.Get("/{id}/status", h.GetMemberStatus)
			r.Get("/{id}/orders", h.ListMemberOrders)
			r.Get("/{id}/contributions", h.GetMemberContributions)
		})

		// Supplier routes
		r.Route("/suppliers", func(r chi.Router) {
			r.Get("/", h.ListSuppliers)
			r.Post("/", h.CreateSupplier)
			r.Get("/{id}", h.GetSupplier)
			r.Put("/{id}", h.UpdateSupplier)
			r.Delete("/{id}", h.DeleteSupplier)
		})

		// Product routes
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{id}", h.GetProduct)
			r.Put("/{id}", h.UpdateProduct)
			r.Delete("/{id}", h.DeleteProduct)
			r.Get("/{id}/batches", h.ListBatches)
			r.Post("/{id}/batches", h.CreateBatch)
			r.Get("/{id}/stock", h.GetStock)
		})

		// Inventory ledger routes
		r.Route("/inventory", func(r chi.Router) {
			r.Post("/receive", h.ReceiveStock)
			r.Post("/adjust", h.AdjustStock)
			r.Post("/waste", h.RecordWaste)
			r.Post("/transfer", h.TransferStock)
			r.Get("/movements", h.ListMovements)
		})

		// Dispense routes
		r.Post("/dispense", h.Dispense)
		r.Route("/orders", func(r chi.Router) {
			r.Get("/{id}", h.GetOrder)
		})

		// Audit routes
		r.Get("/audit", h.QueryAudit)

		r.Get("/health", h.Health)
	})

	return r
}
