package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bmravec/gdman/internal/telemetry"
)

// NewRouter mounts the control plane under /downloads and the metrics endpoint.
func NewRouter(h *DownloadHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/downloads", h.Routes())

	return r
}
