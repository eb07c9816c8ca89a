package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth, admin and health endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.Server.CORS, a.Config.CORSOrigins()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "")
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Get("/me", a.handleMe)
		r.Post("/logout", a.handleLogout)
		r.Post("/refresh", a.handleRefresh)
		r.Get("/validate", a.handleValidate)
	})

	r.Get("/admin/realms", a.handleRealms)

	return r
}
