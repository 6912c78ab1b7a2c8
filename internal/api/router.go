/**
 * @description
 * This file sets up the HTTP router for the billing-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies middleware. The gateway webhook and browser callback stay outside
 * the auth group: the webhook authenticates by signature and the callback is
 * an anonymous redirect from the gateway's checkout page.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the browser-facing endpoints.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// BillingRoutes creates and returns a new router for the billing service.
func BillingRoutes(h *BillingHandlers, jwksURL, appBaseURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{appBaseURL},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", h.HealthCheckHandler)

	// Unauthenticated gateway-facing endpoints.
	r.Get("/billing/payments/callback", h.PaymentCallbackHandler)
	r.Post("/billing/payments/webhook", h.WebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/billing/payments/initialize", h.InitializePaymentHandler)
		r.Get("/billing/payments/history", h.PaymentHistoryHandler)
		r.Get("/billing/status", h.BillingStatusHandler)
		r.Post("/billing/cancel", h.CancelPremiumHandler)
	})

	return r
}
