/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin dashboard

ROUTE GROUPS:
  /api/payments/plans/*         Plan lifecycle
  /api/payments/balance/*       Balance lookups
  /api/payments/installments/*  Payments, schedule edits, reports
  /api/payments/refunds/*       Refund workflow
  /api/payments/gateway/*       Online payment confirmation
  /api/enrollments/*            Enrollment mirror
  /api/scenarios/*              Demo scenarios
  /api/admin/*                  Operator actions
  /api/health                   Liveness

ACTOR:
  Mutating endpoints read the acting user from the X-Actor-ID header.
  Authentication happens upstream.

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

// ActorHeader carries the id of the user performing a request.
const ActorHeader = "X-Actor-ID"

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/payments", func(r chi.Router) {
			// Plan routes
			r.Route("/plans", func(r chi.Router) {
				r.Get("/", h.ListPlans)
				r.Post("/", h.CreatePlan)
				r.Get("/enrollment/{enrollmentID}", h.GetPlanByEnrollment)
				r.Patch("/{id}", h.AmendPlan)
				r.Delete("/{id}", h.DeletePlan)
				r.Post("/{id}/installments", h.AddInstallment)
			})

			r.Get("/balance/enrollment/{enrollmentID}", h.GetBalance)

			// Installment routes
			r.Route("/installments", func(r chi.Router) {
				r.Get("/overdue", h.ListOverdue)
				r.Get("/overdue/export", h.ExportOverdue)
				r.Get("/upcoming", h.ListUpcoming)
				r.Post("/{id}/pay", h.RecordPayment)
				r.Put("/{id}", h.UpdatePaymentDetails)
				r.Patch("/{id}", h.UpdateInstallment)
				r.Delete("/{id}", h.DeleteInstallment)
			})

			// Refund routes
			r.Route("/refunds", func(r chi.Router) {
				r.Get("/", h.ListRefunds)
				r.Post("/", h.RequestRefund)
				r.Get("/{id}", h.GetRefund)
				r.Patch("/{id}/approve", h.ApproveRefund)
				r.Patch("/{id}/process", h.ProcessRefund)
			})

			r.Post("/gateway/midtrans/confirm", h.ConfirmMidtrans)
		})

		r.Put("/enrollments/{id}", h.SyncEnrollment)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/outbox/run", h.RunOutbox)
		})
	})

	return r
}
