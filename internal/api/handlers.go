// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/audiocast/internal/log"
	"github.com/ManuGH/audiocast/internal/metrics"
	"github.com/ManuGH/audiocast/internal/pipeline"
)

// inFlightWait bounds how long a request waits for a concurrent job to commit
// the same artifact before running its own pipeline.
const inFlightWait = 2 * time.Minute

// handleAudio serves GET /audio?videoId=<id[,id...]>&format=<opus|mp3>.
// Cache hits stream the stored artifact; misses run the full pipeline and
// stay on the wire until the stream ends or fails.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "api")

	ids := splitIDs(r.URL.Query().Get("videoId"))
	format, err := pipeline.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := pipeline.NewJob(ids, format, s.cfg.AudioBitrate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	logger = logger.With().
		Str(log.FieldJobID, job.ID).
		Str(log.FieldStrategy, string(job.Strategy)).
		Str(log.FieldFormat, string(job.Format)).
		Logger()

	if s.store != nil {
		if path, size, ok := s.store.Lookup(job.CacheKey, job.Format); ok {
			logger.Info().Str(log.FieldPath, path).Msg("serving cached artifact")
			s.serveArtifact(w, r, path, size, job.Format)
			return
		}
		// Another request is already producing this exact artifact. Wait for
		// its commit instead of spawning a second pipeline; fall through and
		// run our own on timeout.
		if s.registry.InFlight(job.CacheKey, job.Format) {
			if _, err := s.store.WaitForArtifact(r.Context(), job.CacheKey, job.Format, inFlightWait); err == nil {
				if path, size, ok := s.store.Lookup(job.CacheKey, job.Format); ok {
					logger.Info().Str(log.FieldPath, path).Msg("serving artifact committed by concurrent job")
					s.serveArtifact(w, r, path, size, job.Format)
					return
				}
			}
		}
	}

	sink := newHTTPSink(w, r, job.Format)
	supCfg := pipeline.SupervisorConfig{
		Engine: s.engine,
		Retry:  s.retry,
	}
	// A typed nil store must not end up in the interface field.
	if s.store != nil {
		supCfg.Store = s.store
	}
	sup, err := pipeline.NewSupervisor(supCfg, job, sink)
	if err != nil {
		http.Error(w, "stream setup failed", http.StatusInternalServerError)
		return
	}

	s.registry.Add(sup)
	defer s.registry.Remove(sup)

	// The job owns its own lifetime: a dropped request surfaces through the
	// sink and consumes retry budget instead of killing the pipeline outright.
	runErr := sup.Run(context.WithoutCancel(r.Context()))
	if runErr == nil {
		return
	}

	if sink.HeaderWritten() {
		// Bytes already went out; the stream just ends early.
		logger.Warn().Err(runErr).Msg("stream ended with error after first byte")
		return
	}
	if pipeline.IsClientInput(runErr) {
		writeError(w, http.StatusBadRequest, runErr)
		return
	}
	logger.Error().Err(runErr).Msg("pipeline failed before first byte")
	http.Error(w, "stream failed: "+runErr.Error(), http.StatusInternalServerError)
}

// serveArtifact streams a finished cache artifact with explicit length.
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, path string, size int64, format pipeline.Format) {
	f, err := os.Open(path) // #nosec G304 -- path is derived from a hashed cache key under the cache root
	if err != nil {
		metrics.IncCache("read_error")
		http.Error(w, "cache artifact unavailable", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f)
	metrics.AddStreamedBytes(n)
	if err != nil && !pipeline.IsDisconnect(err) {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Warn().Err(err).Str(log.FieldPath, path).Msg("cached artifact stream interrupted")
	}
}

// handleStop serves GET /stop-stream: stop every active job, idempotently.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.registry.StopAll()
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().Int("stopped", stopped).Msg("stop-stream requested")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"stopped": stopped,
	})
}

// handleHealth serves GET /health with per-job process detail.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	jobs := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC(),
		"active_jobs": len(jobs),
		"jobs":        jobs,
	})
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
