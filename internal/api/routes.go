package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ignite/newsletter-service/internal/auth"
)

type contextKey string

const userIDKey contextKey = "user_id"

// userIDFrom extracts the authenticated publisher from the request context.
func userIDFrom(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

// SetupRoutes wires the public subscription surface and the auth-gated admin
// surface onto one router.
func SetupRoutes(h *Handlers, sessions *auth.Manager) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// Server identity header
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Server-Identity", "newsletter-server-v1.0")
			next.ServeHTTP(w, req)
		})
	})

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	// Public subscription surface
	r.Post("/subscriptions", h.HandleSubscribe)
	r.Get("/subscriptions/confirm", h.HandleConfirm)

	// Admin surface, session-gated
	r.Route("/admin", func(r chi.Router) {
		if sessions != nil {
			r.Use(requireSession(sessions))
		}
		r.Get("/newsletter", h.HandleNewsletterForm)
		r.Post("/newsletter", h.HandlePublishNewsletter)
		r.Get("/newsletter/{issueID}", h.HandleNewsletterStatus)
	})

	return r
}

// requireSession rejects requests without a valid session cookie and stashes
// the publisher's identity in the context for downstream handlers.
func requireSession(sessions *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			userID, ok := sessions.Authenticate(req)
			if !ok {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(req.Context(), userIDKey, userID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}
