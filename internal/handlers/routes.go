package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearth/backend/internal/metrics"
	"github.com/hearth/backend/internal/middleware"
)

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Sessions SessionService
	Files    FileService
	Hub      NotificationHub
	DB       Pinger

	Metrics *metrics.Metrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// AuthLimiter guards /auth/login and /auth/register when set.
	AuthLimiter    RateLimiter
	RetryAfterSecs int
	MaxUploadBytes int64
	DebugErrors    bool
}

// NewRouter wires every HTTP route onto a chi router.
func NewRouter(deps Dependencies) chi.Router {
	health := HealthHandler{DB: deps.DB}
	authHandler := AuthHandler{
		Sessions:    deps.Sessions,
		Limiter:     deps.AuthLimiter,
		RetryAfter:  deps.RetryAfterSecs,
		DebugErrors: deps.DebugErrors,
	}
	fileHandler := FileHandler{Files: deps.Files, MaxUploadBytes: deps.MaxUploadBytes, DebugErrors: deps.DebugErrors}
	notifications := NewNotificationsHandler(deps.Hub)
	authenticate := middleware.Authenticate(deps.Sessions)

	r := chi.NewRouter()
	r.Use(middleware.Metrics(deps.Metrics))

	r.Get("/healthz", health.Handle)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", authHandler.Login)
		r.Post("/register", authHandler.Register)
		r.Post("/refresh", authHandler.Refresh)
		r.With(authenticate).Post("/logout", authHandler.Logout)
	})

	r.Group(func(r chi.Router) {
		r.Use(authenticate)

		r.Get("/ws", notifications.Handle)

		r.Route("/files", func(r chi.Router) {
			r.Get("/verify/{hash}", fileHandler.Verify)
			r.Get("/{receiver}", fileHandler.List)
			r.Post("/{receiver}/{filename}", fileHandler.Upload)
			r.Get("/{receiver}/{filename}", fileHandler.Download)
			r.Delete("/{receiver}/{filename}", fileHandler.Delete)
		})

		r.With(middleware.RequireAdmin).Delete("/admin/files/{hash}", fileHandler.Purge)
	})

	return r
}
