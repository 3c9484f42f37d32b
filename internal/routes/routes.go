package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/handlers"
	"github.com/mklatt/bastion/internal/middleware"
	"github.com/mklatt/bastion/internal/models"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	deviceHandler *handlers.DeviceHandler,
	principalHandler *handlers.PrincipalHandler,
	tokenManager *auth.TokenManager,
	sessionChecker auth.SessionChecker,
	loginLimit middleware.RateLimitConfig,
	principalLimit middleware.AuthenticatedRateLimitConfig,
) {
	// Public routes. Every login entry point shares the same per-IP budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(loginLimit))

		r.Post("/auth/login", authHandler.PasswordLogin)
		r.Post("/auth/magic-link", authHandler.SendMagicLink)
		r.Post("/auth/magic-link/redeem", authHandler.MagicLinkLogin)
		r.Post("/auth/passkey", authHandler.PasskeyLogin)
		r.Post("/auth/mfa/verify", authHandler.VerifyMfa)
		r.Post("/auth/mfa/setup/complete", authHandler.CompleteMfaSetup)
		r.Post("/auth/refresh", authHandler.Refresh)
		r.Post("/auth/logout", authHandler.Logout)

		// Device approval resolves out of band, before any session exists
		r.Post("/devices/approve-code", deviceHandler.ApproveByCode)
		r.Get("/devices/approve", deviceHandler.ApproveByLink)
		r.Get("/devices/deny", deviceHandler.Deny)
		r.Post("/devices/resend-approval", deviceHandler.Resend)
	})

	// Authenticated routes. The middleware rejects revoked sessions and
	// standing force-reauth flags before handlers run.
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager, sessionChecker))

		r.With(middleware.RateLimitByPrincipal(principalLimit, "read")).
			Get("/devices", deviceHandler.List)
		r.With(middleware.RateLimitByPrincipal(principalLimit, "write")).
			Delete("/devices/{id}", deviceHandler.Revoke)

		// Principal administration, privileged namespace only
		r.Group(func(r chi.Router) {
			r.Use(auth.RequirePermission(models.PrivilegedNamespace + "principals"))
			r.Use(middleware.RateLimitByPrincipal(principalLimit, "admin"))

			r.Post("/principals", principalHandler.Create)
			r.Put("/principals/{id}/permissions", principalHandler.UpdatePermissions)
			r.Post("/principals/{id}/deactivate", principalHandler.Deactivate)
			r.Post("/principals/{id}/anonymize", principalHandler.Anonymize)
		})
	})
}
