// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix

package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/audiocast/internal/admission"
)

// shellFetcher emits a fixed payload per source: to stdout for direct
// streaming, into the target file otherwise.
func shellFetcher(body func(src SourceRequest) string) func(SourceRequest, string) CommandPlan {
	return func(src SourceRequest, target string) CommandPlan {
		script := fmt.Sprintf("printf '%s'", body(src))
		if target != "-" {
			script = fmt.Sprintf("printf '%s' > '%s'", body(src), target)
		}
		return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", script}}
	}
}

// shellTranscoder passes bytes through: stdin for direct mode, the manifest
// file list for concat mode.
func shellTranscoder() func(*Job, TranscodeInput) CommandPlan {
	return func(_ *Job, in TranscodeInput) CommandPlan {
		if in.Concat {
			return CommandPlan{
				Bin:  "/bin/sh",
				Args: []string{"-c", "cut -d\"'\" -f2 \"$0\" | xargs cat", in.Path},
			}
		}
		return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", "cat"}}
	}
}

func testEngine(t *testing.T, fetcher func(SourceRequest, string) CommandPlan, transcoder func(*Job, TranscodeInput) CommandPlan) *Engine {
	t.Helper()
	return NewEngine(EngineConfig{
		Fetcher:    fetcher,
		Transcoder: transcoder,
		TmpRoot:    t.TempDir(),
		KillGrace:  time.Second,
	}, admission.New(1))
}

func TestEngine_DirectStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine := testEngine(t,
		shellFetcher(func(SourceRequest) string { return "direct-audio-bytes" }),
		shellTranscoder())

	job, err := NewJob([]string{"abc123"}, FormatOpus, "128k")
	require.NoError(t, err)

	graph, err := engine.Build(context.Background(), job, nil)
	require.NoError(t, err)
	defer graph.Release()

	assert.Equal(t, StrategyDirect, graph.Strategy())
	assert.Len(t, graph.Handles(), 2)

	out, err := io.ReadAll(graph.Output())
	require.NoError(t, err)
	assert.Equal(t, "direct-audio-bytes", string(out))

	require.NoError(t, graph.Finish())
}

func TestEngine_DirectStream_FetcherFailureSurfacesInFinish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine := testEngine(t,
		func(SourceRequest, string) CommandPlan {
			return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", "exit 4"}}
		},
		shellTranscoder())

	job, err := NewJob([]string{"abc123"}, FormatOpus, "128k")
	require.NoError(t, err)

	graph, err := engine.Build(context.Background(), job, nil)
	require.NoError(t, err)
	defer graph.Release()

	_, _ = io.ReadAll(graph.Output())

	err = graph.Finish()
	require.Error(t, err)
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, StageFetcher, ee.Stage)
	assert.Equal(t, 4, ee.Code)
}

func TestEngine_ConcatPreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine := testEngine(t,
		shellFetcher(func(src SourceRequest) string { return "<" + src.ID + ">" }),
		shellTranscoder())

	job, err := NewJob([]string{"first", "second", "third"}, FormatMP3, "128k")
	require.NoError(t, err)

	graph, err := engine.Build(context.Background(), job, nil)
	require.NoError(t, err)
	defer graph.Release()

	assert.Equal(t, StrategyConcat, graph.Strategy())

	out, err := io.ReadAll(graph.Output())
	require.NoError(t, err)
	assert.Equal(t, "<first><second><third>", string(out))
	require.NoError(t, graph.Finish())
}

func TestEngine_ConcatTempDirTiedToJobTeardown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tmpRoot := t.TempDir()
	engine := NewEngine(EngineConfig{
		Fetcher:    shellFetcher(func(src SourceRequest) string { return src.ID }),
		Transcoder: shellTranscoder(),
		TmpRoot:    tmpRoot,
		KillGrace:  time.Second,
	}, admission.New(1))

	job, err := NewJob([]string{"aaa", "bbb"}, FormatOpus, "128k")
	require.NoError(t, err)

	graph, err := engine.Build(context.Background(), job, nil)
	require.NoError(t, err)
	defer graph.Release()

	_, err = io.ReadAll(graph.Output())
	require.NoError(t, err)
	require.NoError(t, graph.Finish())

	entries, err := os.ReadDir(tmpRoot)
	require.NoError(t, err)
	require.Len(t, entries, 1, "download dir lives as long as the graph")

	// Job teardown alone removes the directory, even without a graph
	// release.
	assert.Empty(t, job.ReleaseResources())

	entries, err = os.ReadDir(tmpRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEngine_ConcatRejectsSingleSource(t *testing.T) {
	engine := testEngine(t, shellFetcher(func(SourceRequest) string { return "x" }), shellTranscoder())

	job, err := NewJob([]string{"only"}, FormatOpus, "128k")
	require.NoError(t, err)
	job.Strategy = StrategyConcat

	_, err = engine.Build(context.Background(), job, nil)
	assert.True(t, IsClientInput(err))
}

func TestEngine_ConcatFailsOnEmptyFetch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine := testEngine(t,
		func(_ SourceRequest, target string) CommandPlan {
			return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", fmt.Sprintf(": > '%s'", target)}}
		},
		shellTranscoder())

	job, err := NewJob([]string{"aaa", "bbb"}, FormatOpus, "128k")
	require.NoError(t, err)

	_, err = engine.Build(context.Background(), job, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty output")
}

func TestEngine_ConcatFailsOnFetcherExit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine := testEngine(t,
		func(src SourceRequest, target string) CommandPlan {
			if src.ID == "bad" {
				return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", "exit 7"}}
			}
			return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", fmt.Sprintf("printf ok > '%s'", target)}}
		},
		shellTranscoder())

	job, err := NewJob([]string{"good", "bad"}, FormatOpus, "128k")
	require.NoError(t, err)

	_, err = engine.Build(context.Background(), job, nil)
	require.Error(t, err)
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 7, ee.Code)
}

func TestEngine_ReleaseKillsRunningProcesses(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine := testEngine(t,
		func(SourceRequest, string) CommandPlan {
			return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", "sleep 30"}}
		},
		shellTranscoder())

	job, err := NewJob([]string{"abc123"}, FormatOpus, "128k")
	require.NoError(t, err)

	graph, err := engine.Build(context.Background(), job, nil)
	require.NoError(t, err)

	start := time.Now()
	graph.Release()
	graph.Release()
	assert.Less(t, time.Since(start), 10*time.Second)

	for _, h := range graph.Handles() {
		assert.NotEqual(t, ProcRunning, h.State())
	}
}

func TestEngine_ReleaseAfterFinishWithLingeringFetcher(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// Transcoder exits immediately while the fetcher keeps running, so
	// Finish has to cut the fetcher loose itself. The subsequent Release
	// must still return.
	engine := testEngine(t,
		func(SourceRequest, string) CommandPlan {
			return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", "sleep 30"}}
		},
		func(*Job, TranscodeInput) CommandPlan {
			return CommandPlan{Bin: "/bin/sh", Args: []string{"-c", "exit 0"}}
		})

	job, err := NewJob([]string{"abc123"}, FormatOpus, "128k")
	require.NoError(t, err)

	graph, err := engine.Build(context.Background(), job, nil)
	require.NoError(t, err)

	out, err := io.ReadAll(graph.Output())
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, graph.Finish())

	released := make(chan struct{})
	go func() {
		graph.Release()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("release blocked after finish terminated the fetcher")
	}
}

func TestDefaultPlans(t *testing.T) {
	fetch := DefaultFetcherPlan("yt-dlp")(SourceRequest{ID: "vid01"}, "-")
	assert.Equal(t, "yt-dlp", fetch.Bin)
	assert.Equal(t, []string{"--no-playlist", "-f", "bestaudio", "--newline", "-o", "-", "--", "vid01"}, fetch.Args)

	job, err := NewJob([]string{"vid01"}, FormatOpus, "96k")
	require.NoError(t, err)
	trans := DefaultTranscoderPlan("ffmpeg")(job, TranscodeInput{Path: "pipe:0"})
	assert.Equal(t, "ffmpeg", trans.Bin)
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-stats",
		"-i", "pipe:0", "-vn", "-c:a", "libopus", "-b:a", "96k", "-f", "opus", "pipe:1",
	}, trans.Args)

	concat := DefaultTranscoderPlan("ffmpeg")(job, TranscodeInput{Path: "/tmp/c.txt", Concat: true})
	assert.Contains(t, concat.Args, "concat")
	assert.Contains(t, concat.Args, "-safe")
}
