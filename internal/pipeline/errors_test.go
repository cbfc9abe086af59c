// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsClientInput(t *testing.T) {
	base := &ClientInputError{Reason: "bad id"}
	assert.True(t, IsClientInput(base))
	assert.True(t, IsClientInput(fmt.Errorf("wrapped: %w", base)))
	assert.False(t, IsClientInput(errors.New("other")))
	assert.False(t, IsClientInput(nil))
}

func TestIsDisconnect(t *testing.T) {
	assert.True(t, IsDisconnect(ErrSinkDisconnect))
	assert.True(t, IsDisconnect(fmt.Errorf("%w: peer gone", ErrSinkDisconnect)))
	assert.True(t, IsDisconnect(context.Canceled))
	assert.True(t, IsDisconnect(errors.New("write tcp 1.2.3.4: broken pipe")))
	assert.True(t, IsDisconnect(errors.New("read: connection reset by peer")))
	assert.False(t, IsDisconnect(errors.New("no space left on device")))
	assert.False(t, IsDisconnect(nil))
}

func TestClassifySinkError(t *testing.T) {
	assert.NoError(t, classifySinkError(nil))

	err := classifySinkError(errors.New("write tcp: broken pipe"))
	assert.ErrorIs(t, err, ErrSinkDisconnect)

	err = classifySinkError(errors.New("no space left on device"))
	var sw *SinkWriteError
	assert.ErrorAs(t, err, &sw)
	assert.False(t, IsDisconnect(err))
}

func TestExitError_Message(t *testing.T) {
	err := &ExitError{Stage: StageFetcher, Code: 3, Stderr: []string{"boom"}}
	assert.Contains(t, err.Error(), "fetcher")
	assert.Contains(t, err.Error(), "3")
}

func TestSpawnError_Unwrap(t *testing.T) {
	inner := errors.New("no such file")
	err := &SpawnError{Stage: StageTranscoder, Bin: "ffmpeg", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "ffmpeg")
}
