package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the session API on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions/start", h.StartRun)
		r.Get("/sessions/recent-cwds", h.RecentCwds)

		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.DeleteSession)
		r.Post("/sessions/{id}/continue", h.ContinueRun)
		r.Post("/sessions/{id}/cancel", h.CancelRun)
		r.Post("/sessions/{id}/decision", h.SubmitDecision)
		r.Get("/sessions/{id}/pending", h.PendingRequests)
		r.Get("/sessions/{id}/history", h.History)
	})
}
