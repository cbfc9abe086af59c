// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package cachegate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/audiocast/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "128k")
	require.NoError(t, err)
	return s
}

func TestNew_CreatesDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s, err := New(dir, "128k")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, dir, s.Dir())
}

func TestStore_ArtifactPath(t *testing.T) {
	s := newTestStore(t)
	path := s.ArtifactPath("deadbeef01234567", pipeline.FormatOpus)
	assert.Equal(t, filepath.Join(s.Dir(), "deadbeef01234567-128k.opus"), path)
}

func TestStore_LookupMiss(t *testing.T) {
	s := newTestStore(t)
	_, _, ok := s.Lookup("deadbeef01234567", pipeline.FormatOpus)
	assert.False(t, ok)
}

func TestStore_CommitThenLookupHit(t *testing.T) {
	s := newTestStore(t)

	pending, err := s.NewPending("deadbeef01234567", pipeline.FormatOpus)
	require.NoError(t, err)
	_, err = pending.Write([]byte("opus bytes"))
	require.NoError(t, err)
	require.NoError(t, pending.Commit())

	path, size, ok := s.Lookup("deadbeef01234567", pipeline.FormatOpus)
	require.True(t, ok)
	assert.Equal(t, int64(10), size)

	data, err := os.ReadFile(path) // #nosec G304
	require.NoError(t, err)
	assert.Equal(t, "opus bytes", string(data))
}

func TestStore_AbortLeavesNoArtifact(t *testing.T) {
	s := newTestStore(t)

	pending, err := s.NewPending("deadbeef01234567", pipeline.FormatOpus)
	require.NoError(t, err)
	_, err = pending.Write([]byte("partial"))
	require.NoError(t, err)
	pending.Abort()
	pending.Abort() // idempotent

	_, _, ok := s.Lookup("deadbeef01234567", pipeline.FormatOpus)
	assert.False(t, ok)

	// No temp litter either.
	entries, err := os.ReadDir(filepath.Join(s.Dir(), "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_RefusesEmptyCommit(t *testing.T) {
	s := newTestStore(t)

	pending, err := s.NewPending("deadbeef01234567", pipeline.FormatOpus)
	require.NoError(t, err)
	assert.Error(t, pending.Commit())

	_, _, ok := s.Lookup("deadbeef01234567", pipeline.FormatOpus)
	assert.False(t, ok)
}

func TestStore_AbortAfterCommitIsNoOp(t *testing.T) {
	s := newTestStore(t)

	pending, err := s.NewPending("deadbeef01234567", pipeline.FormatOpus)
	require.NoError(t, err)
	_, err = pending.Write([]byte("keep me"))
	require.NoError(t, err)
	require.NoError(t, pending.Commit())
	pending.Abort()

	_, _, ok := s.Lookup("deadbeef01234567", pipeline.FormatOpus)
	assert.True(t, ok, "a committed artifact survives a late abort")
}

func TestStore_SameKeyWritersLastCommitWins(t *testing.T) {
	s := newTestStore(t)

	first, err := s.NewPending("deadbeef01234567", pipeline.FormatOpus)
	require.NoError(t, err)
	second, err := s.NewPending("deadbeef01234567", pipeline.FormatOpus)
	require.NoError(t, err)

	_, err = first.Write([]byte("first writer"))
	require.NoError(t, err)
	_, err = second.Write([]byte("second writer"))
	require.NoError(t, err)

	require.NoError(t, first.Commit())
	require.NoError(t, second.Commit())

	path, _, ok := s.Lookup("deadbeef01234567", pipeline.FormatOpus)
	require.True(t, ok)
	data, err := os.ReadFile(path) // #nosec G304
	require.NoError(t, err)
	assert.Equal(t, "second writer", string(data))
}

func TestWaitForArtifact_FastPath(t *testing.T) {
	s := newTestStore(t)

	pending, err := s.NewPending("deadbeef01234567", pipeline.FormatOpus)
	require.NoError(t, err)
	_, err = pending.Write([]byte("ready"))
	require.NoError(t, err)
	require.NoError(t, pending.Commit())

	start := time.Now()
	path, err := s.WaitForArtifact(context.Background(), "deadbeef01234567", pipeline.FormatOpus, time.Second)
	require.NoError(t, err)
	assert.Equal(t, s.ArtifactPath("deadbeef01234567", pipeline.FormatOpus), path)
	assert.WithinDuration(t, start, time.Now(), 100*time.Millisecond)
}

func TestWaitForArtifact_Timeout(t *testing.T) {
	s := newTestStore(t)

	_, err := s.WaitForArtifact(context.Background(), "deadbeef01234567", pipeline.FormatOpus, 150*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestWaitForArtifact_SeesLateCommit(t *testing.T) {
	s := newTestStore(t)

	done := make(chan struct{})
	var waitErr error
	var gotPath string
	go func() {
		defer close(done)
		gotPath, waitErr = s.WaitForArtifact(context.Background(), "deadbeef01234567", pipeline.FormatOpus, 5*time.Second)
	}()

	time.Sleep(150 * time.Millisecond)
	pending, err := s.NewPending("deadbeef01234567", pipeline.FormatOpus)
	require.NoError(t, err)
	_, err = pending.Write([]byte("late bytes"))
	require.NoError(t, err)
	require.NoError(t, pending.Commit())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForArtifact did not observe the commit")
	}
	require.NoError(t, waitErr)
	assert.Equal(t, s.ArtifactPath("deadbeef01234567", pipeline.FormatOpus), gotPath)
}

func TestWaitForArtifact_ContextCancel(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := s.WaitForArtifact(ctx, "deadbeef01234567", pipeline.FormatOpus, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
