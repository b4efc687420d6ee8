package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/medisync/identity/internal/auth"
	"github.com/medisync/identity/internal/handlers"
	"github.com/medisync/identity/internal/middleware"
	"github.com/medisync/identity/internal/models"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	qrHandler *handlers.QrHandler,
	adminHandler *handlers.RateLimitAdminHandler,
	tokenManager *auth.TokenManager,
	sessions auth.SessionChecker,
) {
	// Per-IP flood guard in front of the public auth surface. The
	// per-action fixed-window limiter inside the services is the real
	// policy; this just keeps a single host from hammering the handlers.
	rateLimitConfig := middleware.DefaultAuthRateLimit()

	// Public routes - no authentication required
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimitConfig))

		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/refresh", authHandler.Refresh)
		r.Post("/auth/verify", authHandler.Verify)
		r.Post("/auth/otp/resend", authHandler.ResendOtp)
		r.Post("/auth/password/forgot", authHandler.ForgotPassword)
		r.Post("/auth/password/reset", authHandler.ResetPassword)

		// QR handshake: the unauthenticated device creates the challenge,
		// renders it, and waits for tokens on the event stream.
		r.Post("/auth/qr", qrHandler.Create)
		r.Get("/auth/qr/{nonce}/image", qrHandler.Image)
		r.Get("/auth/qr/{nonce}/events", qrHandler.Events)
	})

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager, sessions))

		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/sessions", authHandler.Sessions)

		// Confirming a QR challenge requires an already-authenticated device
		r.Post("/auth/qr/confirm", qrHandler.Confirm)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(models.RoleAdmin))

			r.Get("/admin/rate-limits", adminHandler.GetConfig)
			r.Put("/admin/rate-limits", adminHandler.UpdateConfig)
			r.Post("/admin/rate-limits/reset", adminHandler.Reset)
			r.Get("/admin/rate-limits/status", adminHandler.Status)
		})
	})
}
