package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AnshRaj112/whisper-trust/internal/handlers"
	"github.com/AnshRaj112/whisper-trust/internal/middleware"
)

func SetupRoutes(r chi.Router, h *handlers.Handler, adminKey string) {
	// Health check and metrics (no identity required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Anonymous identity
	r.Post("/api/identity", h.Identify)

	// Submissions feed
	r.Post("/api/submissions", h.CreateSubmission)
	r.Get("/api/submissions", h.GetSubmissions)

	// Reactions
	r.Post("/api/reactions", h.CreateReaction)

	// Rewards
	r.Post("/api/rewards/early-user", h.ClaimEarlyUser)
	r.Get("/api/progression", h.GetProgression)

	// Moderation review (shared admin key)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdminKey(adminKey))
		r.Get("/api/admin/moderation", h.GetModeration)
		r.Post("/api/admin/moderation/rereview", h.RereviewSubmission)
	})
}
