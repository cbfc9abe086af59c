// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ManuGH/audiocast/internal/admission"
	"github.com/ManuGH/audiocast/internal/api"
	"github.com/ManuGH/audiocast/internal/cachegate"
	"github.com/ManuGH/audiocast/internal/config"
	"github.com/ManuGH/audiocast/internal/health"
	aclog "github.com/ManuGH/audiocast/internal/log"
	"github.com/ManuGH/audiocast/internal/pipeline"
	"github.com/ManuGH/audiocast/internal/telemetry"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until config is loaded
	aclog.Configure(aclog.Config{
		Level:   "info",
		Service: "audiocast",
	})
	logger := aclog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromOS()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(aclog.FieldEvent, "config.load_failed").
			Msg("failed to load configuration")
	}

	aclog.Configure(aclog.Config{
		Level:   cfg.LogLevel,
		Service: "audiocast",
	})

	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str(aclog.FieldEvent, "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "audiocast",
		ServiceVersion: version,
		ExporterType:   cfg.OTELExporter,
		Endpoint:       cfg.OTELEndpoint,
		SamplingRate:   cfg.OTELSampling,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(aclog.FieldEvent, "telemetry.init_failed").
			Msg("failed to initialize tracing")
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	store, err := cachegate.New(cfg.CacheDir, cfg.AudioBitrate)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(aclog.FieldEvent, "cache.init_failed").
			Msg("failed to initialize artifact cache")
	}

	engine := pipeline.NewEngine(pipeline.EngineConfig{
		Fetcher:    pipeline.DefaultFetcherPlan(cfg.FetcherBin),
		Transcoder: pipeline.DefaultTranscoderPlan(cfg.TranscoderBin),
		TmpRoot:    filepath.Join(cfg.CacheDir, "tmp"),
		KillGrace:  cfg.KillGrace,
	}, admission.New(cfg.FetchConcurrency))

	registry := pipeline.NewRegistry()

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewBinaryChecker("fetcher", cfg.FetcherBin))
	hm.RegisterChecker(health.NewBinaryChecker("transcoder", cfg.TranscoderBin))
	hm.RegisterChecker(health.NewDirChecker("cache_dir", cfg.CacheDir))
	hm.RegisterChecker(health.NewActiveJobsChecker(registry.Len, 0))

	server := api.NewServer(api.Options{
		Config:   cfg,
		Engine:   engine,
		Store:    store,
		Registry: registry,
		Health:   hm,
		Retry: pipeline.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.RetryBaseDelay,
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str(aclog.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Str("fetcher", cfg.FetcherBin).
		Str("transcoder", cfg.TranscoderBin).
		Str("cache_dir", cfg.CacheDir).
		Msg("starting audiocast")

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	case <-ctx.Done():
	}

	logger.Info().Str(aclog.FieldEvent, "shutdown").Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := registry.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("stream drain incomplete")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	logger.Info().Msg("server exiting")
}
