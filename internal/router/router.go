package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/recipebox/backend/internal/auth"
	"github.com/recipebox/backend/internal/catalog"
	"github.com/recipebox/backend/internal/credits"
	"github.com/recipebox/backend/internal/middleware"
)

const requestTimeout = 30 * time.Second

type Handlers struct {
	Auth    *auth.Handler
	Catalog *catalog.Handler
	Credits *credits.Handler
	// RequireAuth authenticates bearer access tokens, see middleware.RequireAccessToken.
	RequireAuth func(http.Handler) http.Handler
}

// New returns an http.Handler that serves the API under /api/v1 and a liveness
// probe at /healthz.
func New(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))

		r.Post("/register", h.Auth.Register)
		r.Get("/verify-email/{token}", h.Auth.VerifyEmail)
		r.Post("/resend-verification", h.Auth.ResendVerification)
		r.Post("/token", h.Auth.Login)
		r.Post("/token/refresh", h.Auth.RefreshToken)
		r.Get("/google/login", h.Auth.GoogleLogin)
		r.Get("/google/callback", h.Auth.GoogleCallback)
		r.Get("/plans", h.Catalog.ListPlans)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/profile", h.Auth.Profile)
			r.Patch("/profile", h.Auth.UpdateProfile)
			r.Post("/features/{name}/use", h.Credits.UseFeature)
			r.Get("/credits/ledger", h.Credits.ListLedger)

			r.With(middleware.RequireStaff).Post("/admin/accounts/{id}/tier", h.Credits.ChangeTier)
		})
	})
	return r
}
