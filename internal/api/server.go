// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api exposes the audiocast HTTP surface: the audio stream endpoint,
// stream control, health reporting and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/audiocast/internal/cachegate"
	"github.com/ManuGH/audiocast/internal/config"
	"github.com/ManuGH/audiocast/internal/health"
	"github.com/ManuGH/audiocast/internal/log"
	"github.com/ManuGH/audiocast/internal/pipeline"
)

// Server holds the HTTP surface and its collaborators.
type Server struct {
	cfg      config.Snapshot
	engine   *pipeline.Engine
	store    *cachegate.Store
	registry *pipeline.Registry
	healthMg *health.Manager
	retry    pipeline.RetryPolicy
}

// Options bundles the Server dependencies.
type Options struct {
	Config   config.Snapshot
	Engine   *pipeline.Engine
	Store    *cachegate.Store
	Registry *pipeline.Registry
	Health   *health.Manager
	Retry    pipeline.RetryPolicy
}

// NewServer wires the HTTP surface. Store may be nil to disable caching.
func NewServer(opts Options) *Server {
	retry := opts.Retry
	if retry.Base <= 0 {
		retry = pipeline.DefaultRetryPolicy()
	}
	return &Server{
		cfg:      opts.Config,
		engine:   opts.Engine,
		store:    opts.Store,
		registry: opts.Registry,
		healthMg: opts.Health,
		retry:    retry,
	}
}

// Handler builds the router with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/audio", s.handleAudio)
	r.Get("/stop-stream", s.handleStop)
	r.Get("/health", s.handleHealth)
	if s.healthMg != nil {
		r.Get("/healthz", s.healthMg.ServeHealth)
		r.Get("/readyz", s.healthMg.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "audiocast-api")
}

// requestIDMiddleware assigns each request an ID and threads it through the
// response header and the request-scoped logger.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a client error response.
func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
