// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ManuGH/audiocast/internal/config"
	"github.com/ManuGH/audiocast/internal/log"
)

// PerformStartupChecks validates the environment before the server accepts
// traffic: listen address, cache directory and the external binaries the
// pipeline depends on.
func PerformStartupChecks(cfg config.Snapshot) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkCacheDir(logger, cfg.CacheDir); err != nil {
		return fmt.Errorf("cache directory check failed: %w", err)
	}
	if err := checkBinaries(logger, cfg); err != nil {
		return fmt.Errorf("tool dependency check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkCacheDir(logger zerolog.Logger, path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("cache directory must be an absolute path: %s", path)
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("cannot create cache directory %s: %w", path, err)
	}
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("cache directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str(log.FieldPath, path).Msg("cache directory is writable")
	return nil
}

func checkBinaries(logger zerolog.Logger, cfg config.Snapshot) error {
	for _, bin := range []string{cfg.FetcherBin, cfg.TranscoderBin} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("binary not found (%s): %w", bin, err)
		}
	}
	logger.Info().
		Str("fetcher", cfg.FetcherBin).
		Str("transcoder", cfg.TranscoderBin).
		Msg("pipeline binaries available")
	return nil
}
