// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package admission bounds how many fetch operations run concurrently.
package admission

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Limiter is a FIFO-fair gate admitting at most K concurrent tasks. Waiters
// are served strictly in arrival order; the ceiling holds regardless of how
// many tasks a job submits.
type Limiter struct {
	sem *semaphore.Weighted
	k   int
}

// New creates a limiter with the given concurrency ceiling. K below 1 is
// coerced to 1, the serialized baseline.
func New(k int) *Limiter {
	if k < 1 {
		k = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(k)), k: k}
}

// Limit returns the configured concurrency ceiling.
func (l *Limiter) Limit() int {
	return l.k
}

// Acquire blocks until a slot is free or ctx ends. On success the returned
// release function must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	return func() { l.sem.Release(1) }, nil
}

// Run executes task under an admission slot.
func (l *Limiter) Run(ctx context.Context, task func(context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return task(ctx)
}
