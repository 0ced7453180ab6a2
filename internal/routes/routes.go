package routes

import (
	"github.com/go-chi/chi/v5"
	"github.com/summitlabs/bastion/internal/auth"
	"github.com/summitlabs/bastion/internal/gateway"
	"github.com/summitlabs/bastion/internal/handlers"
	"github.com/summitlabs/bastion/internal/middleware"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	stepUpHandler *handlers.StepUpHandler,
	adminHandler *handlers.AdminHandler,
	tokenManager *auth.TokenManager,
	gw *gateway.Gateway,
	sessionMW *gateway.SessionMiddleware,
	loginRateLimit middleware.RateLimitConfig,
) {
	// Public routes - no authentication required
	router.With(middleware.RateLimitByIP(loginRateLimit)).Post("/auth/login", authHandler.Login)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager))
		r.Use(sessionMW.Handler)
		r.Use(gw.Middleware)

		// Session lifecycle
		r.Post("/auth/logout", authHandler.Logout)
		r.Post("/auth/logout-all", authHandler.LogoutAll)
		r.Get("/auth/sessions", authHandler.ListSessions)

		// Step-up enrollment and verification. These stay reachable from
		// untrusted devices so a challenged user can verify.
		r.Route("/auth/step-up", func(r chi.Router) {
			r.Get("/methods", stepUpHandler.Methods)
			r.Post("/totp/setup", stepUpHandler.SetupTOTP)
			r.Post("/totp/verify", stepUpHandler.VerifyTOTP)
			r.Post("/recovery/generate", stepUpHandler.GenerateRecoveryCodes)
			r.Post("/recovery/verify", stepUpHandler.VerifyRecoveryCode)
			r.Post("/questions/setup", stepUpHandler.SetupQuestions)
			r.Post("/questions/verify", stepUpHandler.VerifyQuestions)
			r.Post("/email/setup", stepUpHandler.SetupEmail)
			r.Post("/email/send", stepUpHandler.SendEmailChallenge)
			r.Post("/email/verify", stepUpHandler.VerifyEmailChallenge)
		})

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole("admin"))
			r.Route("/admin/sessions", func(r chi.Router) {
				r.Get("/stats/{user_id}", adminHandler.UserStats)
				r.Get("/security/{user_id}", adminHandler.SecurityEvents)
				r.Get("/anomalies/{user_id}", adminHandler.Anomalies)
				r.Get("/active", adminHandler.ActiveSessions)
				r.Get("/summary", adminHandler.Summary)
			})
		})
	})
}
