package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the middleware chain and auxiliary handlers the router
// composes around the audit API.
type RouterConfig struct {
	Capture   func(http.Handler) http.Handler
	Auth      func(http.Handler) http.Handler
	Recover   func(http.Handler) http.Handler
	WebSocket http.HandlerFunc
	Health    http.HandlerFunc
}

// NewRouter assembles the public HTTP surface. Audit endpoints sit behind
// authentication and request capture; health and metrics stay open so probes
// and scrapers need no credentials.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	if cfg.Recover != nil {
		r.Use(cfg.Recover)
	}

	r.Group(func(r chi.Router) {
		if cfg.Capture != nil {
			r.Use(cfg.Capture)
		}
		if cfg.Auth != nil {
			r.Use(cfg.Auth)
		}
		h.Register(r)
		if cfg.WebSocket != nil {
			r.Get("/audit/ws", cfg.WebSocket)
		}
	})

	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
