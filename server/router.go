package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. Only the /api group is gated.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	r.Get("/auth/login", a.handleLogin)
	r.Get("/auth/callback", a.handleCallback)
	r.Get("/logout", a.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireCredential(a.Codec, a.Logger))
		r.Post("/chat", a.handleChat)
		r.Get("/me", a.handleMe)
	})

	return r
}
