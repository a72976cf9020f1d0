package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/starforge/botpay/internal/balance"
	"github.com/starforge/botpay/internal/payment"
	"github.com/starforge/botpay/internal/transport/middleware"
	"github.com/starforge/botpay/internal/transport/swagger"
)

// RegisterAllRoutes wires every HTTP surface: the gateway-facing result
// webhook, the invoice/balance API, and the JWT-guarded admin endpoints.
func RegisterAllRoutes(router *chi.Mux, db *sql.DB, webhookHandler *payment.WebhookHandler, paymentHandler *payment.Handler, balanceHandler *balance.Handler, adminJWTSecret string, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if webhookHandler != nil {
			r.Post("/payment/result", webhookHandler.HandlePaymentResult)
		}

		if paymentHandler != nil {
			r.Post("/payment/invoice", paymentHandler.CreateInvoice)
			r.Get("/payment/{uuid}", paymentHandler.GetPayment)
		}

		if balanceHandler != nil {
			r.Get("/balance/{userID}", balanceHandler.GetBalance)
			r.Post("/billing/charge", balanceHandler.Charge)
		}

		if paymentHandler != nil {
			r.Group(func(ar chi.Router) {
				ar.Use(middleware.AdminAuth(adminJWTSecret, logger))
				ar.Get("/admin/payments/stats", paymentHandler.PaymentStats)
				ar.Post("/admin/reconcile", paymentHandler.TriggerReconcile)
			})
		}
	})
}
