// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ClientInputError marks request validation failures. These map to HTTP 400
// and are never retried.
type ClientInputError struct {
	Reason string
}

func (e *ClientInputError) Error() string {
	return "invalid request: " + e.Reason
}

// SpawnError indicates an external process failed to start at all.
type SpawnError struct {
	Stage string // "fetcher" or "transcoder"
	Bin   string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s spawn failed (%s): %v", e.Stage, e.Bin, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError indicates an external process terminated with a non-zero exit
// code. Stderr carries the last captured log lines for diagnostics.
type ExitError struct {
	Stage  string
	Code   int
	Stderr []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Stage, e.Code)
}

// ErrSinkDisconnect marks the response sink going away mid-stream (client
// closed the connection). It triggers the supervisor's reconnect policy
// instead of being surfaced as an application error.
var ErrSinkDisconnect = errors.New("sink disconnected")

// SinkWriteError wraps any response-stream fault other than a disconnect.
// These are fatal for the job.
type SinkWriteError struct {
	Err error
}

func (e *SinkWriteError) Error() string {
	return "sink write failed: " + e.Err.Error()
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// IsClientInput reports whether err is a request validation failure.
func IsClientInput(err error) bool {
	var ce *ClientInputError
	return errors.As(err, &ce)
}

// IsDisconnect reports whether err represents the client going away.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSinkDisconnect) || errors.Is(err, context.Canceled) {
		return true
	}
	return isExpectedStreamError(err)
}

// classifySinkError maps a raw write error onto the taxonomy: disconnects
// become ErrSinkDisconnect, everything else a SinkWriteError.
func classifySinkError(err error) error {
	if err == nil {
		return nil
	}
	if IsDisconnect(err) {
		return fmt.Errorf("%w: %v", ErrSinkDisconnect, err)
	}
	return &SinkWriteError{Err: err}
}

// isExpectedStreamError returns true for errors that are expected during
// streaming (e.g. broken pipe when the client disconnects).
func isExpectedStreamError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "client disconnected") ||
		strings.Contains(errStr, "write: connection timed out") ||
		strings.Contains(errStr, "i/o timeout")
}
