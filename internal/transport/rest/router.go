package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/identity-mesh/internal/guard"
	"github.com/frahmantamala/identity-mesh/internal/identity"
	"github.com/frahmantamala/identity-mesh/internal/transport/middleware"
	"github.com/frahmantamala/identity-mesh/internal/transport/swagger"
)

// RegisterAllRoutes wires the authority's HTTP surface. apiValidator may be
// nil when no OpenAPI document is available.
func RegisterAllRoutes(router *chi.Mux, db *sql.DB, authHandler *identity.Handler, identitySvc identity.ServiceAPI, guardMW *guard.Middleware, apiValidator func(http.Handler) http.Handler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)
	userHandler := NewUserHandler(identitySvc, logger)

	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// OpenAPI document and swagger UI live at root, outside the API prefix.
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		if apiValidator != nil {
			r.Use(apiValidator)
		}

		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		r.Route("/auth", func(sr chi.Router) {
			sr.Post("/login", authHandler.Login)
			sr.Post("/signup", authHandler.Signup)
			sr.Get("/google", authHandler.GoogleAuth)
			sr.Get("/google/callback", authHandler.GoogleCallback)
			sr.Get("/forget/password", authHandler.ForgetPassword)
			sr.Post("/reset/forget/password", authHandler.ResetPassword)
			sr.Get("/verify/email", authHandler.VerifyEmail)
		})

		// Self-service routes. Every minted token carries the auth-service
		// grant, so the service requirement only shuts out foreign tokens.
		r.Group(func(pr chi.Router) {
			pr.Use(guardMW.Authenticate)
			pr.Use(guardMW.Require(guard.RequireServices(identity.ServiceAuth)))

			pr.Get("/users/me", userHandler.Me)
			pr.Delete("/users/me", userHandler.DeleteMe)
		})
	})
}
