package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// componentCheckTimeout bounds each component check of /health.
const componentCheckTimeout = 2 * time.Second

// Handler builds the HTTP router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/device", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Get("/history", s.handleDeviceHistory)
			r.With(s.basicAuthMiddleware).Put("/{attribute}", s.handleWriteAttribute)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// handleHealth reports the server and every registered component.
// Any failing component turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	components := make(map[string]string, len(s.components))

	for name, c := range s.components {
		ctx, cancel := context.WithTimeout(r.Context(), componentCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
