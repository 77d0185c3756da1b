package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"t3chat/backend/internal/auth"
	"t3chat/backend/internal/config"
	"t3chat/backend/internal/openrouter"
	"t3chat/backend/internal/session"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(ctx context.Context, cfg config.Config, db *sql.DB) (http.Handler, error) {
	store := session.NewStore(db)
	verifier := auth.NewVerifier(cfg)
	relay := openrouter.NewClient(cfg.OpenRouterBaseURL, cfg.FrontendOrigin, cfg.AppTitle, nil)

	files, err := newFileObjectStore(ctx, cfg.GCSUploadBucket, cfg.LocalUploadDir)
	if err != nil {
		return nil, fmt.Errorf("init attachment store: %w", err)
	}

	h := NewHandlerWithFileStore(cfg, db, store, verifier, relay, files)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Test-Email", "X-Test-Google-Sub", "X-Test-Name"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(h.PageGuard)

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(api chi.Router) {
		api.Post("/register", h.Register)

		api.Route("/auth", func(authR chi.Router) {
			authR.Post("/login", h.Login)
			authR.Post("/google", h.AuthGoogle)
			authR.With(h.RequireSession).Get("/me", h.AuthMe)
			authR.With(h.RequireSession).Post("/logout", h.AuthLogout)
		})

		api.Group(func(p chi.Router) {
			p.Use(h.RequireSession)

			p.Get("/models", h.ListModels)

			p.Route("/chat", func(chat chi.Router) {
				chat.Get("/", h.ListChats)
				chat.Post("/", h.CreateChat)
				chat.Post("/stream", h.StreamChat)
				chat.Get("/{id}", h.GetChat)
				chat.Post("/{id}", h.AppendMessage)
				chat.Delete("/{id}", h.DeleteChat)
			})

			p.Get("/preferences", h.GetPreferences)
			p.Post("/preferences", h.SavePreferences)

			p.Post("/files", h.UploadFile)
		})
	})

	return r, nil
}

func chiURLParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
