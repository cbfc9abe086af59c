// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"context"
	"sync"
)

// JobStatus is a point-in-time view of one supervised job, exposed on the
// health endpoint.
type JobStatus struct {
	JobID             string   `json:"job_id"`
	State             State    `json:"state"`
	Strategy          Strategy `json:"strategy"`
	Format            Format   `json:"format"`
	Sources           []string `json:"sources"`
	Attempt           int      `json:"attempt"`
	Bytes             int64    `json:"bytes"`
	FetcherRunning    bool     `json:"fetcher_running"`
	TranscoderRunning bool     `json:"transcoder_running"`
}

// Registry tracks running supervisors so stop-stream and shutdown can reach
// them and the health endpoint can report on them.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Supervisor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Supervisor)}
}

// Add registers a supervisor for the duration of its Run.
func (r *Registry) Add(s *Supervisor) {
	r.mu.Lock()
	r.jobs[s.Job().ID] = s
	r.mu.Unlock()
}

// Remove drops a supervisor. Removing an unknown supervisor is a no-op.
func (r *Registry) Remove(s *Supervisor) {
	r.mu.Lock()
	delete(r.jobs, s.Job().ID)
	r.mu.Unlock()
}

// InFlight reports whether a registered job is already producing the artifact
// for the given cache key and format.
func (r *Registry) InFlight(cacheKey string, format Format) bool {
	if cacheKey == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.jobs {
		job := s.Job()
		if job.CacheKey == cacheKey && job.Format == format {
			return true
		}
	}
	return false
}

// Len reports the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// StopAll requests termination of every registered job and returns how many
// were signalled. It does not wait; Stop is idempotent so repeated calls are
// safe.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	targets := make([]*Supervisor, 0, len(r.jobs))
	for _, s := range r.jobs {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Stop()
	}
	return len(targets)
}

// Drain stops every job and waits until each has finished cleanup or ctx
// expires.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	targets := make([]*Supervisor, 0, len(r.jobs))
	for _, s := range r.jobs {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Stop()
	}
	for _, s := range targets {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Snapshot returns the status of every registered job.
func (r *Registry) Snapshot() []JobStatus {
	r.mu.Lock()
	targets := make([]*Supervisor, 0, len(r.jobs))
	for _, s := range r.jobs {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	out := make([]JobStatus, 0, len(targets))
	for _, s := range targets {
		job := s.Job()
		// ProcRunning is the zero ProcState, so absent stages need the
		// comma-ok form to read as not running.
		stages := s.StageStates()
		fetcher, fetcherLive := stages[StageFetcher]
		transcoder, transcoderLive := stages[StageTranscoder]
		out = append(out, JobStatus{
			JobID:             job.ID,
			State:             s.State(),
			Strategy:          job.Strategy,
			Format:            job.Format,
			Sources:           job.SourceIDs(),
			Attempt:           job.Attempt,
			Bytes:             s.Bytes(),
			FetcherRunning:    fetcherLive && fetcher == ProcRunning,
			TranscoderRunning: transcoderLive && transcoder == ProcRunning,
		})
	}
	return out
}
