// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package pipeline orchestrates chains of external fetch and transcode
// processes and streams their output to a response sink under supervision.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/audiocast/internal/log"
	"github.com/ManuGH/audiocast/internal/metrics"
	"github.com/ManuGH/audiocast/internal/procgroup"
	"github.com/rs/zerolog"
)

// Stage names for the two external process roles.
const (
	StageFetcher    = "fetcher"
	StageTranscoder = "transcoder"
)

// ProcState describes the lifecycle state of a spawned process.
type ProcState int32

const (
	ProcRunning ProcState = iota
	ProcExited
	ProcKilled
	ProcErrored
)

func (s ProcState) String() string {
	switch s {
	case ProcRunning:
		return "running"
	case ProcExited:
		return "exited"
	case ProcKilled:
		return "killed"
	case ProcErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Handle owns one spawned external process: its output stream, its stderr
// ring, an exit signal, and graceful-then-forced termination. A Handle is
// owned by exactly one job and is never shared.
type Handle struct {
	stage string
	bin   string
	cmd   *exec.Cmd
	pid   int
	grace time.Duration

	stdout io.ReadCloser
	ring   *LineRing

	// waitCh receives the cmd.Wait result exactly once; done closes after.
	waitCh chan error
	done   chan struct{}

	waitErr  error
	exitCode int

	state    atomic.Int32
	killed   atomic.Bool
	observer atomic.Pointer[ProgressObserver]

	// stdoutGate delays cmd.Wait until the in-process consumer of the
	// stdout pipe has finished reading. Wait closes the pipe's read end,
	// which would otherwise discard buffered tail bytes.
	stdoutGate     chan struct{}
	stdoutGateOnce sync.Once

	// waitCh carries exactly one value, so only one Terminate may ever
	// enter the signal-and-drain path.
	terminateOnce sync.Once
	releaseOnce   sync.Once

	logger zerolog.Logger
}

type spawnConfig struct {
	stdin      io.Reader
	pipeStdout bool
	scanStdout bool
	observer   ProgressObserver
	grace      time.Duration
	ringSize   int
}

// SpawnOption configures process spawning.
type SpawnOption func(*spawnConfig)

// WithStdin connects r to the process standard input. If r is an *os.File
// (e.g. another handle's stdout pipe), the fd is passed to the child
// directly with no copy goroutine.
func WithStdin(r io.Reader) SpawnOption {
	return func(sc *spawnConfig) { sc.stdin = r }
}

// WithStdoutPipe exposes the process standard output as a live stream via
// Stdout(). The consumer must call FinishStdout once it is done reading.
func WithStdoutPipe() SpawnOption {
	return func(sc *spawnConfig) { sc.pipeStdout = true }
}

// WithStdoutScan routes standard output lines into the log ring instead of
// exposing a stream. Used for fetchers that write to a file and report
// progress on stdout.
func WithStdoutScan() SpawnOption {
	return func(sc *spawnConfig) { sc.scanStdout = true }
}

// WithObserver attaches a best-effort progress observer for parsed stderr
// and stdout lines.
func WithObserver(obs ProgressObserver) SpawnOption {
	return func(sc *spawnConfig) { sc.observer = obs }
}

// WithGrace overrides the SIGTERM-to-SIGKILL grace period.
func WithGrace(d time.Duration) SpawnOption {
	return func(sc *spawnConfig) { sc.grace = d }
}

// Spawn starts the external process and returns immediately with a live
// handle; it never blocks waiting for the process to finish.
func Spawn(ctx context.Context, stage, bin string, args []string, opts ...SpawnOption) (*Handle, error) {
	sc := spawnConfig{grace: 5 * time.Second, ringSize: 256}
	for _, opt := range opts {
		opt(&sc)
	}

	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Stage: stage, Bin: bin, Err: err}
	}

	cmd := exec.Command(bin, args...) // #nosec G204 -- bin comes from config, args are built internally
	procgroup.Set(cmd)
	if sc.stdin != nil {
		cmd.Stdin = sc.stdin
	}

	h := &Handle{
		stage:      stage,
		bin:        bin,
		cmd:        cmd,
		grace:      sc.grace,
		ring:       NewLineRing(sc.ringSize),
		waitCh:     make(chan error, 1),
		done:       make(chan struct{}),
		stdoutGate: make(chan struct{}),
		logger:     log.WithContext(ctx, log.WithComponent(stage)),
	}
	if sc.observer != nil {
		obs := sc.observer
		h.observer.Store(&obs)
	}

	var stdoutScan io.ReadCloser
	if sc.pipeStdout {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, &SpawnError{Stage: stage, Bin: bin, Err: err}
		}
		h.stdout = pipe
	} else if sc.scanStdout {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, &SpawnError{Stage: stage, Bin: bin, Err: err}
		}
		stdoutScan = pipe
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Stage: stage, Bin: bin, Err: err}
	}

	if err := cmd.Start(); err != nil {
		metrics.IncProcSpawn(stage, "error")
		return nil, &SpawnError{Stage: stage, Bin: bin, Err: err}
	}
	metrics.IncProcSpawn(stage, "ok")
	h.pid = cmd.Process.Pid
	h.logger.Debug().Int("pid", h.pid).Str("bin", bin).Strs("args", args).Msg("process started")

	go h.scanLines(stderr)
	if stdoutScan != nil {
		go h.scanLines(stdoutScan)
	}

	// Only a stdout pipe consumed in-process delays Wait; scanning pipes
	// tolerate the close, they just stop at EOF.
	if !sc.pipeStdout {
		h.finishStdout()
	}

	go func() {
		<-h.stdoutGate
		err := cmd.Wait()
		h.recordExit(err)
		h.waitCh <- err
		close(h.done)
	}()

	return h, nil
}

// Stdout returns the live output stream. Only valid with WithStdoutPipe.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// FinishStdout signals that the in-process consumer of the stdout pipe is
// done reading, allowing the final Wait to run. Safe to call multiple times
// and on handles without a stdout pipe.
func (h *Handle) FinishStdout() {
	h.finishStdout()
}

func (h *Handle) finishStdout() {
	h.stdoutGateOnce.Do(func() { close(h.stdoutGate) })
}

// Done is closed once the process has exited and its status is recorded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the spawned process identifier.
func (h *Handle) PID() int {
	return h.pid
}

// Stage returns the process role ("fetcher" or "transcoder").
func (h *Handle) Stage() string {
	return h.stage
}

// State reports the current lifecycle state.
func (h *Handle) State() ProcState {
	select {
	case <-h.done:
	default:
		return ProcRunning
	}
	return ProcState(h.state.Load())
}

// ExitErr returns the taxonomy error for the process outcome, or nil for a
// clean exit. Termination requested through Release/Terminate is not an
// error. Only valid after Done.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
	default:
		return nil
	}
	if h.killed.Load() || h.waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return &ExitError{Stage: h.stage, Code: h.exitCode, Stderr: h.ring.LastN(20)}
	}
	return h.waitErr
}

// LastStderr returns up to n recently captured log lines.
func (h *Handle) LastStderr(n int) []string {
	return h.ring.LastN(n)
}

// Terminate requests a graceful stop: SIGTERM to the process group, SIGKILL
// after the grace period. It blocks until the process is gone. Safe to call
// repeatedly; later calls just wait for the exit.
func (h *Handle) Terminate() {
	h.terminateOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
			h.killed.Store(true)
		}
		h.finishStdout()
		_ = procgroup.Terminate(h.cmd, h.waitCh, h.grace)
	})
	<-h.done
}

// Release detaches all observers, terminates the process if still running
// and waits for it to be reaped. Idempotent and safe to call concurrently;
// late stderr callbacks can never touch freed job state because the
// observer is detached before termination starts.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.observer.Store(nil)
		h.Terminate()
		if state := ProcState(h.state.Load()); state == ProcKilled {
			h.logger.Debug().Int("pid", h.pid).Str("state", state.String()).Msg("process released")
		}
	})
}

func (h *Handle) recordExit(err error) {
	h.waitErr = err
	switch {
	case err == nil:
		h.state.Store(int32(ProcExited))
	case h.killed.Load():
		h.state.Store(int32(ProcKilled))
		h.exitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
			h.state.Store(int32(ProcExited))
		} else {
			h.state.Store(int32(ProcErrored))
		}
	}
}

func (h *Handle) scanLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		h.ring.Append(line)
		h.notify(line)
	}
}

func (h *Handle) notify(line string) {
	obs := h.observer.Load()
	if obs == nil {
		return
	}
	switch h.stage {
	case StageTranscoder:
		if stats := ParseTranscodeStats(line); stats != nil {
			(*obs)(*stats)
		}
	case StageFetcher:
		if pct, ok := ParseFetchPercent(line); ok {
			(*obs)(Progress{Stage: StageFetcher, Percent: pct, Valid: true})
		}
	}
}
