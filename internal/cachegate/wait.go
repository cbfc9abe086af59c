// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package cachegate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ManuGH/audiocast/internal/pipeline"
)

// WaitForArtifact blocks until a complete artifact for key exists, using
// fsnotify on the cache directory instead of sleep polling. It returns the
// artifact path on success.
func (s *Store) WaitForArtifact(ctx context.Context, key string, format pipeline.Format, timeout time.Duration) (string, error) {
	path := s.ArtifactPath(key, format)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(s.dir); err != nil {
		return "", fmt.Errorf("watch cache dir %s: %w", s.dir, err)
	}

	// Re-check after the watch is in place; the writer may have committed in
	// between.
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}

	targetName := filepath.Base(path)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("timeout waiting for artifact %s", targetName)
		case event, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("watcher channel closed")
			}
			if filepath.Base(event.Name) != targetName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if info, err := os.Stat(path); err == nil && info.Size() > 0 {
				return path, nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("watcher error channel closed")
			}
			s.logger.Warn().Err(werr).Msg("fsnotify watcher error")
		}
	}
}
