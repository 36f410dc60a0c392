package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/campaign-engine/internal/auth"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// RouterDeps carries everything the operator API serves.
type RouterDeps struct {
	Campaigns   CampaignService
	Segments    SegmentService
	Preferences PreferenceService
	Auth        *auth.AuthManager
	Health      *HealthChecker
	Metrics     http.Handler
	MetricsPath string
	CORSOrigins []string
}

// NewRouter configures all operator routes. Everything under /api requires
// the operator role.
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if d.Health != nil {
		r.Get("/health", d.Health.HandleHealth)
		r.Get("/health/live", d.Health.HandleLiveness)
		r.Get("/health/ready", d.Health.HandleReadiness)
	}
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, d.Metrics)
	}

	r.Get("/auth/login", d.Auth.HandleLogin)
	r.Get("/auth/callback", d.Auth.HandleCallback)
	r.Get("/auth/logout", d.Auth.HandleLogout)
	r.Get("/auth/user", d.Auth.HandleUserInfo)

	ch := &campaignHandlers{svc: d.Campaigns}
	sh := &segmentHandlers{svc: d.Segments}
	ph := &preferenceHandlers{svc: d.Preferences}

	r.Route("/api", func(r chi.Router) {
		r.Use(d.Auth.RequireOperator)
		r.Use(actorFromIdentity)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", ch.list)
			r.Post("/", ch.create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", ch.get)
				r.Put("/", ch.update)
				r.Delete("/", ch.delete)
				r.Post("/schedule", ch.schedule)
				r.Delete("/schedule", ch.unschedule)
				r.Post("/launch", ch.launch)
				r.Post("/pause", ch.pause)
				r.Post("/resume", ch.resume)
				r.Post("/cancel", ch.cancel)
				r.Post("/reseed", ch.reseed)
				r.Post("/test", ch.sendTest)
				r.Get("/progress", ch.progress)
				r.Get("/history", ch.history)
			})
		})

		r.Route("/segments", func(r chi.Router) {
			r.Get("/schema", sh.schema)
			r.Post("/", sh.create)
			r.Post("/preview", sh.preview)
			r.Get("/audience/count", sh.count)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sh.get)
				r.Put("/", sh.update)
				r.Get("/count", sh.count)
				r.Post("/recount", sh.recount)
			})
		})

		r.Route("/preferences", func(r chi.Router) {
			r.Post("/bulk", ph.bulkUpsert)
			r.Get("/{userID}", ph.get)
		})
	})

	return r
}

// actorFromIdentity records the authenticated operator as the actor of
// every campaign transition made by the request.
func actorFromIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := auth.IdentityFromContext(r.Context()); ok {
			r = r.WithContext(campaign.WithActor(r.Context(), id.Email))
		}
		next.ServeHTTP(w, r)
	})
}
