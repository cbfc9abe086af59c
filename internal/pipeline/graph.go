// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/audiocast/internal/admission"
	"github.com/ManuGH/audiocast/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CommandPlan names an executable and its argument list.
type CommandPlan struct {
	Bin  string
	Args []string
}

// TranscodeInput describes where the transcoder reads from.
type TranscodeInput struct {
	// Path is "pipe:0" for stdin streaming or a concat manifest path.
	Path   string
	Concat bool
}

// EngineConfig wires the external tools into the engine. The plan funcs
// translate a source or job into a concrete invocation, which keeps the
// engine testable against stub executables.
type EngineConfig struct {
	Fetcher    func(src SourceRequest, target string) CommandPlan
	Transcoder func(job *Job, in TranscodeInput) CommandPlan

	// TmpRoot hosts per-job download directories.
	TmpRoot string

	// KillGrace is the SIGTERM-to-SIGKILL grace for owned processes.
	KillGrace time.Duration
}

// DefaultFetcherPlan builds the production fetcher invocation. A target of
// "-" streams to stdout; anything else is a download path.
func DefaultFetcherPlan(bin string) func(SourceRequest, string) CommandPlan {
	return func(src SourceRequest, target string) CommandPlan {
		return CommandPlan{
			Bin: bin,
			Args: []string{
				"--no-playlist",
				"-f", "bestaudio",
				"--newline",
				"-o", target,
				"--", src.ID,
			},
		}
	}
}

// DefaultTranscoderPlan builds the production transcoder invocation.
func DefaultTranscoderPlan(bin string) func(*Job, TranscodeInput) CommandPlan {
	return func(job *Job, in TranscodeInput) CommandPlan {
		args := []string{"-hide_banner", "-loglevel", "error", "-stats"}
		if in.Concat {
			args = append(args, "-f", "concat", "-safe", "0")
		}
		args = append(args,
			"-i", in.Path,
			"-vn",
			"-c:a", job.Format.Codec(),
			"-b:a", job.Bitrate,
			"-f", string(job.Format),
			"pipe:1",
		)
		return CommandPlan{Bin: bin, Args: args}
	}
}

// Engine constructs pipeline stage graphs for jobs.
type Engine struct {
	cfg     EngineConfig
	limiter *admission.Limiter
	logger  zerolog.Logger
}

// NewEngine creates a graph builder sharing one admission limiter.
func NewEngine(cfg EngineConfig, limiter *admission.Limiter) *Engine {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if limiter == nil {
		limiter = admission.New(1)
	}
	return &Engine{
		cfg:     cfg,
		limiter: limiter,
		logger:  log.WithComponent("engine"),
	}
}

// Graph is one constructed process topology: at most one live fetcher (under
// direct streaming), one transcoder, and the temp directory of a concat run.
type Graph struct {
	strategy   Strategy
	fetcher    *Handle
	transcoder *Handle
	output     io.Reader
	tmpDir     string
	grace      time.Duration

	releaseOnce sync.Once
	logger      zerolog.Logger
}

// Build constructs the process topology for the job's strategy. It returns
// with all required processes started and the output stream live; under
// download-then-concat it returns only after every fetch has finished
// successfully.
func (e *Engine) Build(ctx context.Context, job *Job, obs ProgressObserver) (*Graph, error) {
	switch job.Strategy {
	case StrategyDirect:
		return e.buildDirect(ctx, job, obs)
	case StrategyConcat:
		return e.buildConcat(ctx, job, obs)
	default:
		return nil, fmt.Errorf("unknown strategy %q", job.Strategy)
	}
}

func (e *Engine) buildDirect(ctx context.Context, job *Job, obs ProgressObserver) (*Graph, error) {
	logger := log.WithContext(ctx, e.logger)

	fetchPlan := e.cfg.Fetcher(job.Sources[0], "-")
	fetcher, err := Spawn(ctx, StageFetcher, fetchPlan.Bin, fetchPlan.Args,
		WithStdoutPipe(),
		WithObserver(obs),
		WithGrace(e.cfg.KillGrace),
	)
	if err != nil {
		return nil, err
	}

	transPlan := e.cfg.Transcoder(job, TranscodeInput{Path: "pipe:0"})
	transcoder, err := Spawn(ctx, StageTranscoder, transPlan.Bin, transPlan.Args,
		WithStdin(fetcher.Stdout()),
		WithStdoutPipe(),
		WithObserver(obs),
		WithGrace(e.cfg.KillGrace),
	)
	if err != nil {
		fetcher.Release()
		return nil, err
	}
	// The transcoder child holds its own copy of the pipe fd now; the
	// fetcher's Wait no longer races the reader.
	fetcher.FinishStdout()

	logger.Debug().
		Str(log.FieldStrategy, string(StrategyDirect)).
		Str(log.FieldSource, job.Sources[0].ID).
		Msg("direct stream graph started")

	return &Graph{
		strategy:   StrategyDirect,
		fetcher:    fetcher,
		transcoder: transcoder,
		output:     transcoder.Stdout(),
		grace:      e.cfg.KillGrace,
		logger:     logger,
	}, nil
}

func (e *Engine) buildConcat(ctx context.Context, job *Job, obs ProgressObserver) (*Graph, error) {
	if len(job.Sources) < 2 {
		return nil, &ClientInputError{Reason: "concatenation requires at least two sources"}
	}
	logger := log.WithContext(ctx, e.logger)

	tmpDir, err := os.MkdirTemp(e.cfg.TmpRoot, "job-")
	if err != nil {
		return nil, fmt.Errorf("create job temp dir: %w", err)
	}
	cleanupTmp := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, tmpDir).Msg("temp dir cleanup failed")
		}
	}
	// The job outlives any single graph, so the directory is also tied to
	// job teardown. RemoveAll on an already-removed dir is a no-op.
	job.AddCleanup(func() error {
		if err := os.RemoveAll(tmpDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove job temp dir: %w", err)
		}
		return nil
	})

	targets := make([]string, len(job.Sources))
	g, gctx := errgroup.WithContext(ctx)
	var admitErr error
	for i, src := range job.Sources {
		// Acquiring in loop order keeps admission FIFO in request order.
		release, err := e.limiter.Acquire(gctx)
		if err != nil {
			admitErr = err
			break
		}
		targets[i] = filepath.Join(tmpDir, fmt.Sprintf("%03d.audio", i))
		src, target := src, targets[i]
		g.Go(func() error {
			defer release()
			return e.fetchToFile(gctx, src, target, obs)
		})
	}
	if err := g.Wait(); err != nil {
		cleanupTmp()
		return nil, err
	}
	if admitErr != nil {
		cleanupTmp()
		return nil, admitErr
	}

	manifest := filepath.Join(tmpDir, "concat.txt")
	var sb strings.Builder
	for _, target := range targets {
		fmt.Fprintf(&sb, "file '%s'\n", target)
	}
	if err := os.WriteFile(manifest, []byte(sb.String()), 0o600); err != nil {
		cleanupTmp()
		return nil, fmt.Errorf("write concat manifest: %w", err)
	}

	transPlan := e.cfg.Transcoder(job, TranscodeInput{Path: manifest, Concat: true})
	transcoder, err := Spawn(ctx, StageTranscoder, transPlan.Bin, transPlan.Args,
		WithStdoutPipe(),
		WithObserver(obs),
		WithGrace(e.cfg.KillGrace),
	)
	if err != nil {
		cleanupTmp()
		return nil, err
	}

	logger.Debug().
		Str(log.FieldStrategy, string(StrategyConcat)).
		Int("sources", len(job.Sources)).
		Msg("concat graph started")

	return &Graph{
		strategy:   StrategyConcat,
		transcoder: transcoder,
		output:     transcoder.Stdout(),
		tmpDir:     tmpDir,
		grace:      e.cfg.KillGrace,
		logger:     logger,
	}, nil
}

// fetchToFile downloads one source to target and verifies the result. Any
// single failed fetch aborts the whole job; partial output is never served.
func (e *Engine) fetchToFile(ctx context.Context, src SourceRequest, target string, obs ProgressObserver) error {
	plan := e.cfg.Fetcher(src, target)
	h, err := Spawn(ctx, StageFetcher, plan.Bin, plan.Args,
		WithStdoutScan(),
		WithObserver(obs),
		WithGrace(e.cfg.KillGrace),
	)
	if err != nil {
		return err
	}
	defer h.Release()

	select {
	case <-h.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := h.ExitErr(); err != nil {
		return err
	}

	info, err := os.Stat(target)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("fetch %s: empty output", src.ID)
	}
	return nil
}

// Output is the job's produced byte stream: the transcoder's stdout.
func (g *Graph) Output() io.Reader {
	return g.output
}

// Strategy returns the topology the graph was built with.
func (g *Graph) Strategy() Strategy {
	return g.strategy
}

// Handles returns the live process handles in the graph.
func (g *Graph) Handles() []*Handle {
	var out []*Handle
	if g.fetcher != nil {
		out = append(out, g.fetcher)
	}
	if g.transcoder != nil {
		out = append(out, g.transcoder)
	}
	return out
}

// Finish is called after the output stream reached EOF. It reaps the
// processes and reports any non-zero exit; partial output backed by a failed
// stage must never count as success.
func (g *Graph) Finish() error {
	g.transcoder.FinishStdout()
	<-g.transcoder.Done()

	if g.fetcher != nil {
		select {
		case <-g.fetcher.Done():
		case <-time.After(g.grace):
			// Transcoder is done but the fetcher lingers; cut it loose.
			g.fetcher.Terminate()
		}
	}

	if err := g.transcoder.ExitErr(); err != nil {
		return err
	}
	if g.fetcher != nil {
		if err := g.fetcher.ExitErr(); err != nil {
			return err
		}
	}
	return nil
}

// Release terminates every owned process and removes the temp directory.
// Idempotent; safe under concurrent failure signals. The fetcher goes first
// to cut the transcoder's input, matching the shutdown order of the
// underlying tools.
func (g *Graph) Release() {
	g.releaseOnce.Do(func() {
		if g.fetcher != nil {
			g.fetcher.Release()
		}
		if g.transcoder != nil {
			g.transcoder.Release()
		}
		if g.tmpDir != "" {
			if err := os.RemoveAll(g.tmpDir); err != nil && !os.IsNotExist(err) {
				// Cleanup failures are logged, never escalated.
				g.logger.Warn().Err(err).Str(log.FieldPath, g.tmpDir).Msg("temp dir cleanup failed")
			}
		}
	})
}
