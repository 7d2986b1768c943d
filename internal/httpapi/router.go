package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tutor/backend/internal/config"
)

func NewRouter(cfg config.Config, deps Dependencies) http.Handler {
	h := NewHandler(cfg, deps)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", func(authR chi.Router) {
			authR.Get("/github", h.AuthGitHub)
			authR.Get("/github/callback", h.AuthGitHubCallback)
			authR.Post("/google", h.AuthGoogle)
			authR.With(h.RequireSession).Get("/me", h.AuthMe)
			authR.Post("/logout", h.AuthLogout)
		})

		api.Get("/models", h.ListModels)

		api.Route("/chat", func(c chi.Router) {
			c.Use(h.OptionalSession)

			c.Post("/", h.Chat)
			c.Post("/stream", h.ChatStream)
			c.Post("/flashcards", h.Flashcards)
			c.Post("/quiz", h.Quiz)
			c.Post("/new", h.NewConversation)

			c.Group(func(p chi.Router) {
				p.Use(h.RequireSession)
				p.Get("/history", h.ListConversations)
				p.Get("/activities", h.ListActivities)
				p.Delete("/activities/{id}", h.DeleteActivity)
				p.Get("/{id}", h.GetConversation)
				p.Delete("/{id}", h.DeleteConversation)
			})
		})
	})

	return r
}
