// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config reads all runtime settings from the environment exactly once
// and exposes them as an immutable snapshot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Snapshot captures all runtime settings for the daemon. It is read once at
// startup and then treated as immutable.
type Snapshot struct {
	ListenAddr string

	// External process binaries.
	FetcherBin    string
	TranscoderBin string

	// Cache directory for finished artifacts. Temp files live underneath it.
	CacheDir string

	// Target audio bitrate, ffmpeg notation (e.g. "128k").
	AudioBitrate string

	// Supervisor retry policy.
	MaxRetries     int
	RetryBaseDelay time.Duration

	// Grace period between SIGTERM and SIGKILL when releasing a process.
	KillGrace time.Duration

	// Concurrency ceiling for fetch operations within one job.
	FetchConcurrency int

	LogLevel string

	// Telemetry settings.
	OTELEnabled  bool
	OTELExporter string // "grpc", "http" or "noop"
	OTELEndpoint string
	OTELSampling float64
}

var envKeys = []string{
	"AUDIOCAST_LISTEN_ADDR",
	"AUDIOCAST_FETCHER_BIN",
	"AUDIOCAST_TRANSCODER_BIN",
	"AUDIOCAST_CACHE_DIR",
	"AUDIOCAST_AUDIO_BITRATE",
	"AUDIOCAST_MAX_RETRIES",
	"AUDIOCAST_RETRY_BASE_DELAY",
	"AUDIOCAST_KILL_GRACE",
	"AUDIOCAST_FETCH_CONCURRENCY",
	"AUDIOCAST_LOG_LEVEL",
	"AUDIOCAST_OTEL_ENABLED",
	"AUDIOCAST_OTEL_EXPORTER",
	"AUDIOCAST_OTEL_ENDPOINT",
	"AUDIOCAST_OTEL_SAMPLING",
}

// KnownEnvKeys returns all env keys read by ReadEnv.
func KnownEnvKeys() []string {
	out := make([]string, len(envKeys))
	copy(out, envKeys)
	return out
}

// Default returns a Snapshot populated entirely from defaults.
func Default() Snapshot {
	snap, _ := ReadEnv(func(string) string { return "" })
	return snap
}

// ReadEnv reads all runtime environment variables exactly once using the
// provided getenv. The returned Snapshot is safe to share without further
// environment reads.
func ReadEnv(getenv func(string) string) (Snapshot, error) {
	if getenv == nil {
		return Snapshot{}, fmt.Errorf("getenv is nil")
	}

	snap := Snapshot{
		ListenAddr:       stringOr(getenv("AUDIOCAST_LISTEN_ADDR"), ":8080"),
		FetcherBin:       stringOr(getenv("AUDIOCAST_FETCHER_BIN"), "yt-dlp"),
		TranscoderBin:    stringOr(getenv("AUDIOCAST_TRANSCODER_BIN"), "ffmpeg"),
		CacheDir:         stringOr(getenv("AUDIOCAST_CACHE_DIR"), "/var/cache/audiocast"),
		AudioBitrate:     stringOr(getenv("AUDIOCAST_AUDIO_BITRATE"), "128k"),
		MaxRetries:       5,
		RetryBaseDelay:   time.Second,
		KillGrace:        5 * time.Second,
		FetchConcurrency: 1,
		LogLevel:         getenv("AUDIOCAST_LOG_LEVEL"),
		OTELExporter:     stringOr(getenv("AUDIOCAST_OTEL_EXPORTER"), "noop"),
		OTELEndpoint:     getenv("AUDIOCAST_OTEL_ENDPOINT"),
		OTELSampling:     1.0,
	}

	if v := getenv("AUDIOCAST_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Snapshot{}, fmt.Errorf("AUDIOCAST_MAX_RETRIES: invalid value %q", v)
		}
		snap.MaxRetries = n
	}

	if v := getenv("AUDIOCAST_RETRY_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Snapshot{}, fmt.Errorf("AUDIOCAST_RETRY_BASE_DELAY: invalid duration %q", v)
		}
		snap.RetryBaseDelay = d
	}

	if v := getenv("AUDIOCAST_KILL_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Snapshot{}, fmt.Errorf("AUDIOCAST_KILL_GRACE: invalid duration %q", v)
		}
		snap.KillGrace = d
	}

	if v := getenv("AUDIOCAST_FETCH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Snapshot{}, fmt.Errorf("AUDIOCAST_FETCH_CONCURRENCY: must be >= 1, got %q", v)
		}
		snap.FetchConcurrency = n
	}

	if v := getenv("AUDIOCAST_OTEL_ENABLED"); v != "" {
		snap.OTELEnabled = strings.EqualFold(v, "true")
	}

	if v := getenv("AUDIOCAST_OTEL_SAMPLING"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return Snapshot{}, fmt.Errorf("AUDIOCAST_OTEL_SAMPLING: must be in [0,1], got %q", v)
		}
		snap.OTELSampling = f
	}

	if err := snap.validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// FromOS reads the snapshot from the process environment.
func FromOS() (Snapshot, error) {
	return ReadEnv(os.Getenv)
}

func (s Snapshot) validate() error {
	if s.FetcherBin == "" {
		return fmt.Errorf("fetcher binary must not be empty")
	}
	if s.TranscoderBin == "" {
		return fmt.Errorf("transcoder binary must not be empty")
	}
	if s.CacheDir == "" {
		return fmt.Errorf("cache directory must not be empty")
	}
	switch s.OTELExporter {
	case "grpc", "http", "noop":
	default:
		return fmt.Errorf("AUDIOCAST_OTEL_EXPORTER: unknown exporter %q", s.OTELExporter)
	}
	return nil
}

func stringOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
