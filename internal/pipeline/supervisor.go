// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"github.com/ManuGH/audiocast/internal/log"
	"github.com/ManuGH/audiocast/internal/metrics"
	"github.com/ManuGH/audiocast/internal/telemetry"
)

// State is a supervisor lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateStreaming  State = "streaming"
	StateRetrying   State = "retrying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTerminated State = "terminated"
)

// Event drives supervisor state transitions.
type Event string

const (
	eventStart       Event = "start"
	eventStarted     Event = "started"
	eventEOF         Event = "eof"
	eventProcFailure Event = "proc_failure"
	eventDisconnect  Event = "sink_disconnect"
	eventFatal       Event = "fatal"
	eventRetry       Event = "retry"
	eventGiveUp      Event = "give_up"
	eventCleanup     Event = "cleanup_done"
)

// supervisorTransitions is the complete edge set of the lifecycle machine.
// Anything not listed here is a bug, not a degraded mode.
var supervisorTransitions = []transition{
	{From: StateIdle, Event: eventStart, To: StateStarting},
	{From: StateStarting, Event: eventStarted, To: StateStreaming},
	{From: StateStarting, Event: eventProcFailure, To: StateRetrying},
	{From: StateStarting, Event: eventDisconnect, To: StateRetrying},
	{From: StateStarting, Event: eventFatal, To: StateFailed},
	{From: StateStreaming, Event: eventEOF, To: StateCompleted},
	{From: StateStreaming, Event: eventProcFailure, To: StateRetrying},
	{From: StateStreaming, Event: eventDisconnect, To: StateRetrying},
	{From: StateStreaming, Event: eventFatal, To: StateFailed},
	{From: StateRetrying, Event: eventRetry, To: StateStarting},
	{From: StateRetrying, Event: eventGiveUp, To: StateTerminated},
	{From: StateCompleted, Event: eventCleanup, To: StateTerminated},
	{From: StateFailed, Event: eventCleanup, To: StateTerminated},
}

// PendingArtifact is a cache artifact under construction. Bytes written to it
// mirror the client stream; Commit promotes the artifact atomically, Abort
// discards it.
type PendingArtifact interface {
	io.Writer
	Commit() error
	Abort()
}

// ArtifactStore creates pending cache artifacts for completed transcodes.
type ArtifactStore interface {
	NewPending(key string, format Format) (PendingArtifact, error)
}

// RetryPolicy controls transient failure handling. Delay for retry n (zero
// based) is Base<<n, so the default 1s base yields 1,2,4,8,16s.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration

	// Sleep is replaceable in tests; nil means real, context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches the documented backoff ladder.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, Base: time.Second}
}

func (p RetryPolicy) delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	return p.Base << uint(retry)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SupervisorConfig wires a supervisor to its collaborators.
type SupervisorConfig struct {
	Engine *Engine

	// Store is optional; when nil no cache artifact is captured.
	Store ArtifactStore

	Retry RetryPolicy
}

// Supervisor owns one job end to end: it builds the stage graph, pumps bytes
// to the sink, retries transient failures with exponential backoff, and
// guarantees every resource is released exactly once before it returns.
type Supervisor struct {
	cfg    SupervisorConfig
	job    *Job
	sink   Sink
	fsm    *machine
	logger zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	history []State
	bytes   int64
	graph   *Graph
}

// NewSupervisor creates a supervisor in StateIdle.
func NewSupervisor(cfg SupervisorConfig, job *Job, sink Sink) (*Supervisor, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("supervisor: nil engine")
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, Base: time.Second, Sleep: cfg.Retry.Sleep}
	}
	m, err := newMachine(StateIdle, supervisorTransitions)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:    cfg,
		job:    job,
		sink:   sink,
		fsm:    m,
		logger: log.WithComponent("supervisor").With().Str(log.FieldJobID, job.ID).Logger(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return s.fsm.State()
}

// StateHistory returns every state entered so far, in order.
func (s *Supervisor) StateHistory() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.history))
	copy(out, s.history)
	return out
}

// Bytes reports how many bytes reached the sink across all attempts.
func (s *Supervisor) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Job returns the supervised job.
func (s *Supervisor) Job() *Job {
	return s.job
}

func (s *Supervisor) setGraph(g *Graph) {
	s.mu.Lock()
	s.graph = g
	s.mu.Unlock()
}

// StageStates reports the process state of each live stage, keyed by stage
// name. Empty between attempts.
func (s *Supervisor) StageStates() map[string]ProcState {
	s.mu.Lock()
	g := s.graph
	s.mu.Unlock()
	out := make(map[string]ProcState)
	if g == nil {
		return out
	}
	for _, h := range g.Handles() {
		out[h.Stage()] = h.State()
	}
	return out
}

// Stop requests termination. Safe to call from any goroutine, any number of
// times, in any state.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed when Run has returned and all cleanup has finished.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Run executes the job until it completes, fails fatally, exhausts its retry
// budget, or is stopped. It must be called at most once.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer close(s.done)
	defer s.terminate()

	mode := string(s.job.Strategy)
	metrics.IncActiveStreams(mode)
	defer metrics.DecActiveStreams(mode)

	s.fire(eventStart)
	for {
		err := s.runAttempt(ctx)
		if err == nil {
			s.fire(eventEOF)
			metrics.IncPipelineExit("completed")
			s.logger.Info().
				Str(log.FieldEvent, "pipeline.completed").
				Int64("bytes", s.Bytes()).
				Int(log.FieldAttempt, s.job.Attempt).
				Msg("stream completed")
			return nil
		}

		if isFatal(err) {
			s.fire(eventFatal)
			metrics.IncPipelineExit("failed")
			s.logger.Error().Err(err).
				Str(log.FieldEvent, "pipeline.failed").
				Int(log.FieldAttempt, s.job.Attempt).
				Msg("fatal pipeline error")
			return err
		}

		trigger := "process_failure"
		if IsDisconnect(err) {
			trigger = "sink_disconnect"
		}
		s.fire(failureEvent(err))

		if ctx.Err() != nil {
			s.fire(eventGiveUp)
			metrics.IncPipelineExit("cancelled")
			s.logger.Info().
				Str(log.FieldEvent, "pipeline.cancelled").
				Msg("stream cancelled")
			return fmt.Errorf("stream cancelled: %w", err)
		}

		retry := s.job.Attempt
		if retry >= s.cfg.Retry.MaxRetries {
			s.fire(eventGiveUp)
			metrics.IncPipelineExit("retries_exhausted")
			s.logger.Error().Err(err).
				Str(log.FieldEvent, "pipeline.retries_exhausted").
				Int("retries", retry).
				Msg("retry budget exhausted")
			return fmt.Errorf("after %d retries: %w", retry, err)
		}

		delay := s.cfg.Retry.delay(retry)
		metrics.IncRetry(trigger)
		s.logger.Warn().Err(err).
			Str(log.FieldEvent, "pipeline.retry").
			Str("trigger", trigger).
			Dur("delay", delay).
			Int(log.FieldAttempt, retry+1).
			Msg("retrying pipeline")
		if serr := s.cfg.Retry.sleep(ctx, delay); serr != nil {
			s.fire(eventGiveUp)
			metrics.IncPipelineExit("cancelled")
			return fmt.Errorf("stream cancelled during backoff: %w", err)
		}
		s.job.Attempt++
		s.fire(eventRetry)
	}
}

// runAttempt performs one full build/stream/finish cycle. On any error the
// graph is fully released before returning, so attempts never overlap.
func (s *Supervisor) runAttempt(ctx context.Context) error {
	tracer := telemetry.Tracer("audiocast.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.attempt")
	span.SetAttributes(
		telemetry.AttrJobID.String(s.job.ID),
		telemetry.AttrStrategy.String(string(s.job.Strategy)),
		telemetry.AttrFormat.String(string(s.job.Format)),
		telemetry.AttrBitrate.String(s.job.Bitrate),
		telemetry.AttrSourceCount.Int(len(s.job.Sources)),
		telemetry.AttrAttempt.Int(s.job.Attempt),
	)
	defer span.End()

	graph, err := s.cfg.Engine.Build(ctx, s.job, s.observe)
	if err != nil {
		metrics.IncPipelineStart("error")
		span.SetStatus(codes.Error, "build failed")
		return err
	}
	metrics.IncPipelineStart("ok")
	s.setGraph(graph)
	defer func() {
		s.setGraph(nil)
		graph.Release()
	}()

	var pending PendingArtifact
	if s.cfg.Store != nil && s.job.CacheKey != "" {
		p, perr := s.cfg.Store.NewPending(s.job.CacheKey, s.job.Format)
		if perr != nil {
			// Cache is best effort; the live stream must not depend on it.
			s.logger.Warn().Err(perr).Msg("cache capture unavailable")
		} else {
			pending = p
		}
	}
	committed := false
	defer func() {
		if pending != nil && !committed {
			pending.Abort()
		}
	}()

	s.fire(eventStarted)

	var capture io.Writer
	if pending != nil {
		capture = pending
	}
	flow := newFlowController(s.sink, capture, s.logger)

	type flowOut struct {
		res FlowResult
		err error
	}
	flowCh := make(chan flowOut, 1)
	go func() {
		res, ferr := flow.run(graph.Output())
		flowCh <- flowOut{res: res, err: ferr}
	}()

	procErr := make(chan error, len(graph.Handles()))
	for _, h := range graph.Handles() {
		h := h
		go func() {
			<-h.Done()
			if e := h.ExitErr(); e != nil {
				procErr <- e
			}
		}()
	}

	var out flowOut
	select {
	case out = <-flowCh:
	case perr := <-procErr:
		// Tear the graph down so the flow goroutine unblocks, then prefer
		// the process diagnosis over the resulting read error.
		graph.Release()
		out = <-flowCh
		if out.err == nil {
			out.err = perr
		}
	case <-s.sink.Disconnected():
		graph.Release()
		out = <-flowCh
		out.err = fmt.Errorf("%w: client went away", ErrSinkDisconnect)
	case <-ctx.Done():
		graph.Release()
		out = <-flowCh
		if out.err == nil {
			out.err = ctx.Err()
		}
	}

	s.mu.Lock()
	s.bytes += out.res.Bytes
	s.mu.Unlock()
	span.SetAttributes(telemetry.AttrBytes.Int64(out.res.Bytes))

	if out.err != nil {
		span.SetStatus(codes.Error, out.err.Error())
		return out.err
	}

	// Output hit EOF. That is only success if every stage exited cleanly.
	if ferr := graph.Finish(); ferr != nil {
		span.SetStatus(codes.Error, ferr.Error())
		return ferr
	}

	if pending != nil {
		if out.res.CaptureFailed {
			// The deferred Abort discards the truncated artifact.
			s.logger.Warn().Msg("cache capture incomplete, discarding artifact")
			metrics.IncCache("capture_error")
		} else if cerr := pending.Commit(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("cache artifact commit failed")
			metrics.IncCache("commit_error")
		} else {
			committed = true
			metrics.IncCache("commit")
		}
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Supervisor) observe(p Progress) {
	if p.Stage == StageTranscoder && p.Valid {
		metrics.SetTranscodeSpeed(p.Speed)
	}
	s.logger.Debug().
		Str(log.FieldStage, p.Stage).
		Float64("speed", p.Speed).
		Float64("percent", p.Percent).
		Msg("stage progress")
}

// terminate drives the machine to its terminal state and runs job cleanups.
// Cleanup errors are logged, never escalated.
func (s *Supervisor) terminate() {
	if s.fsm.CanFire(eventCleanup) {
		s.fire(eventCleanup)
	}
	for _, err := range s.job.ReleaseResources() {
		s.logger.Warn().Err(err).Msg("job cleanup error")
	}
}

func (s *Supervisor) fire(ev Event) {
	from := s.fsm.State()
	to, err := s.fsm.Fire(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("state machine violation")
		return
	}
	s.mu.Lock()
	s.history = append(s.history, to)
	s.mu.Unlock()
	s.logger.Debug().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Str(log.FieldEvent, string(ev)).
		Msg("state transition")
}

// isFatal reports whether err must not consume retry budget because no retry
// can succeed: the request itself is bad, or the sink failed in a way that is
// not a plain disconnect. classifySinkError only produces SinkWriteError for
// non-disconnect faults.
func isFatal(err error) bool {
	if IsClientInput(err) {
		return true
	}
	var sw *SinkWriteError
	return errors.As(err, &sw)
}

func failureEvent(err error) Event {
	if IsDisconnect(err) {
		return eventDisconnect
	}
	return eventProcFailure
}
