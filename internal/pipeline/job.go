// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Strategy selects the process topology for a job.
type Strategy string

const (
	// StrategyDirect pipes a single fetcher straight into the transcoder.
	StrategyDirect Strategy = "direct-stream"
	// StrategyConcat downloads every source to a temp file first, then runs
	// one transcoder over their ordered concatenation.
	StrategyConcat Strategy = "download-then-concat"
)

// Format is a supported output container/codec.
type Format string

const (
	FormatOpus Format = "opus"
	FormatMP3  Format = "mp3"
)

// ContentType returns the response media type for the format.
func (f Format) ContentType() string {
	return "audio/" + string(f)
}

// Codec returns the transcoder codec name for the format.
func (f Format) Codec() string {
	switch f {
	case FormatMP3:
		return "libmp3lame"
	default:
		return "libopus"
	}
}

var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// SourceRequest is one external source identifier plus derived parameters.
// Immutable once constructed.
type SourceRequest struct {
	ID      string
	Format  Format
	Bitrate string
}

// Job is the unit of work for one HTTP request: an ordered list of sources,
// the selected strategy, the attempt counter and the set of owned resources.
// A Job is exclusively owned by the supervisor that runs it.
type Job struct {
	ID       string
	Sources  []SourceRequest
	Format   Format
	Bitrate  string
	Strategy Strategy
	CacheKey string

	// Attempt counts pipeline runs, starting at 0.
	Attempt int

	mu       sync.Mutex
	cleanups []func() error
	released bool
}

// ParseFormat validates a requested output format.
func ParseFormat(v string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "opus":
		return FormatOpus, nil
	case "mp3":
		return FormatMP3, nil
	default:
		return "", &ClientInputError{Reason: fmt.Sprintf("unsupported format %q", v)}
	}
}

// NewJob validates the request shape and constructs a job with its strategy
// selected: one source streams directly, two or more download and
// concatenate.
func NewJob(ids []string, format Format, bitrate string) (*Job, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !sourceIDPattern.MatchString(id) {
			return nil, &ClientInputError{Reason: fmt.Sprintf("invalid source identifier %q", id)}
		}
		cleaned = append(cleaned, id)
	}
	if len(cleaned) == 0 {
		return nil, &ClientInputError{Reason: "no source identifier given"}
	}

	job := &Job{
		ID:      uuid.NewString(),
		Format:  format,
		Bitrate: bitrate,
	}
	for _, id := range cleaned {
		job.Sources = append(job.Sources, SourceRequest{ID: id, Format: format, Bitrate: bitrate})
	}
	if len(cleaned) == 1 {
		job.Strategy = StrategyDirect
	} else {
		job.Strategy = StrategyConcat
	}
	job.CacheKey = cacheKey(cleaned)
	return job, nil
}

// cacheKey derives a short stable digest over the ordered source set. Format
// and bitrate are carried in the artifact filename, not the key.
func cacheKey(ids []string) string {
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// AddCleanup registers a resource release step, run exactly once when the
// job ends regardless of how many failure signals arrive.
func (j *Job) AddCleanup(fn func() error) {
	j.mu.Lock()
	if j.released {
		// Job already over; release immediately rather than leaking.
		j.mu.Unlock()
		_ = fn()
		return
	}
	j.cleanups = append(j.cleanups, fn)
	j.mu.Unlock()
}

// ReleaseResources runs all registered cleanups, newest first. Reentrant:
// concurrent or repeated invocations run each cleanup at most once. Cleanup
// failures are returned for logging but never escalate.
func (j *Job) ReleaseResources() []error {
	j.mu.Lock()
	if j.released {
		j.mu.Unlock()
		return nil
	}
	j.released = true
	cleanups := j.cleanups
	j.cleanups = nil
	j.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// SourceIDs returns the ordered identifiers of all sources.
func (j *Job) SourceIDs() []string {
	out := make([]string, len(j.Sources))
	for i, s := range j.Sources {
		out[i] = s.ID
	}
	return out
}
