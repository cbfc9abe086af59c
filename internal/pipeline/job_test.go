// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"opus", FormatOpus, false},
		{"mp3", FormatMP3, false},
		{"OPUS", FormatOpus, false},
		{"", FormatOpus, false},
		{"flac", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			assert.True(t, IsClientInput(err))
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormat_ContentTypeAndCodec(t *testing.T) {
	assert.Equal(t, "audio/opus", FormatOpus.ContentType())
	assert.Equal(t, "audio/mp3", FormatMP3.ContentType())
	assert.Equal(t, "libopus", FormatOpus.Codec())
	assert.Equal(t, "libmp3lame", FormatMP3.Codec())
}

func TestNewJob_StrategySelection(t *testing.T) {
	single, err := NewJob([]string{"abc123"}, FormatOpus, "128k")
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, single.Strategy)
	assert.NotEmpty(t, single.ID)
	assert.NotEmpty(t, single.CacheKey)

	multi, err := NewJob([]string{"abc123", "def456"}, FormatOpus, "128k")
	require.NoError(t, err)
	assert.Equal(t, StrategyConcat, multi.Strategy)
	assert.Len(t, multi.Sources, 2)
}

func TestNewJob_Validation(t *testing.T) {
	_, err := NewJob(nil, FormatOpus, "128k")
	assert.True(t, IsClientInput(err))

	_, err = NewJob([]string{"  ", ""}, FormatOpus, "128k")
	assert.True(t, IsClientInput(err))

	_, err = NewJob([]string{"ok", "bad/../id"}, FormatOpus, "128k")
	assert.True(t, IsClientInput(err))

	_, err = NewJob([]string{"id with space"}, FormatOpus, "128k")
	assert.True(t, IsClientInput(err))
}

func TestNewJob_CacheKeyStability(t *testing.T) {
	a, err := NewJob([]string{"aaa", "bbb"}, FormatOpus, "128k")
	require.NoError(t, err)
	b, err := NewJob([]string{"aaa", "bbb"}, FormatOpus, "128k")
	require.NoError(t, err)
	assert.Equal(t, a.CacheKey, b.CacheKey, "same sources must hash identically")
	assert.Len(t, a.CacheKey, 16)

	c, err := NewJob([]string{"bbb", "aaa"}, FormatOpus, "128k")
	require.NoError(t, err)
	assert.NotEqual(t, a.CacheKey, c.CacheKey, "order is part of the key")
}

func TestJob_ReleaseResources(t *testing.T) {
	job, err := NewJob([]string{"abc"}, FormatOpus, "128k")
	require.NoError(t, err)

	var order []int
	job.AddCleanup(func() error {
		order = append(order, 1)
		return nil
	})
	job.AddCleanup(func() error {
		order = append(order, 2)
		return errors.New("cleanup failed")
	})

	errs := job.ReleaseResources()
	assert.Len(t, errs, 1)
	assert.Equal(t, []int{2, 1}, order, "cleanups run newest first")

	// Second release is a no-op.
	assert.Empty(t, job.ReleaseResources())
}

func TestJob_AddCleanupAfterRelease(t *testing.T) {
	job, err := NewJob([]string{"abc"}, FormatOpus, "128k")
	require.NoError(t, err)
	job.ReleaseResources()

	ran := false
	job.AddCleanup(func() error {
		ran = true
		return nil
	})
	assert.True(t, ran, "cleanup added after release must run immediately")
}
