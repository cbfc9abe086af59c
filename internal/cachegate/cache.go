// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package cachegate stores finished transcode artifacts on disk. Presence of
// a complete artifact is the sole cache signal: hits are served without
// spawning any process, misses run the pipeline and commit atomically.
package cachegate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/audiocast/internal/log"
	"github.com/ManuGH/audiocast/internal/metrics"
	"github.com/ManuGH/audiocast/internal/pipeline"
)

// Store is an on-disk artifact cache rooted at one directory. Temp files live
// under dir/tmp on the same filesystem so promotion is a rename, never a
// copy.
type Store struct {
	dir     string
	tmp     string
	bitrate string
	logger  zerolog.Logger
}

// New prepares the cache directories and verifies they are writable.
func New(dir, bitrate string) (*Store, error) {
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	probe, err := os.CreateTemp(tmp, "probe-*")
	if err != nil {
		return nil, fmt.Errorf("cache dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	return &Store{
		dir:     dir,
		tmp:     tmp,
		bitrate: bitrate,
		logger:  log.WithComponent("cachegate"),
	}, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// ArtifactPath maps a job key to its artifact location.
func (s *Store) ArtifactPath(key string, format pipeline.Format) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.%s", key, s.bitrate, format))
}

// Lookup reports whether a complete artifact exists for the key and returns
// its path and size. Zero-length files do not count: a crashed writer must
// never poison the cache.
func (s *Store) Lookup(key string, format pipeline.Format) (path string, size int64, ok bool) {
	path = s.ArtifactPath(key, format)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		metrics.IncCache("miss")
		return path, 0, false
	}
	metrics.IncCache("hit")
	return path, info.Size(), true
}

// NewPending opens a temp artifact for streaming capture. The caller writes
// the transcoded bytes through it and then either Commit or Abort; both are
// safe to call once in any outcome.
func (s *Store) NewPending(key string, format pipeline.Format) (pipeline.PendingArtifact, error) {
	final := s.ArtifactPath(key, format)
	f, err := renameio.TempFile(s.tmp, final)
	if err != nil {
		return nil, fmt.Errorf("open pending artifact: %w", err)
	}
	s.logger.Debug().Str(log.FieldPath, final).Msg("pending artifact opened")
	return &pendingFile{f: f, final: final, logger: s.logger}, nil
}

// pendingFile adapts renameio's pending file to the artifact contract.
// Concurrent writers for the same key race benignly: whichever commits last
// wins, and readers always see either the old complete file or the new one.
type pendingFile struct {
	f      *renameio.PendingFile
	final  string
	bytes  int64
	done   atomic.Bool
	logger zerolog.Logger
}

func (p *pendingFile) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.bytes += int64(n)
	return n, err
}

// Commit promotes the temp file to its final path atomically. Empty captures
// are discarded instead of committed.
func (p *pendingFile) Commit() error {
	if !p.done.CompareAndSwap(false, true) {
		return nil
	}
	if p.bytes == 0 {
		_ = p.f.Cleanup()
		return fmt.Errorf("refusing to commit empty artifact %s", filepath.Base(p.final))
	}
	if err := p.f.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	p.logger.Info().
		Str(log.FieldPath, p.final).
		Int64("bytes", p.bytes).
		Msg("cache artifact committed")
	return nil
}

// Abort discards the temp file. Idempotent, and a no-op after Commit.
func (p *pendingFile) Abort() {
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	if err := p.f.Cleanup(); err != nil {
		p.logger.Warn().Err(err).Msg("pending artifact cleanup failed")
	}
}
