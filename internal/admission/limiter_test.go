// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNew_CoercesCeiling(t *testing.T) {
	assert.Equal(t, 1, New(0).Limit())
	assert.Equal(t, 1, New(-5).Limit())
	assert.Equal(t, 4, New(4).Limit())
}

func TestLimiter_CeilingHolds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const k = 2
	l := New(k)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Run(context.Background(), func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(k))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestLimiter_FIFOOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := New(1)

	// Hold the only slot, then enqueue waiters in a fixed order.
	hold, err := l.Acquire(context.Background())
	require.NoError(t, err)

	const n = 5
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	ready := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			release, err := l.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}()
		<-ready
		// Let the goroutine reach the semaphore before starting the next,
		// so arrival order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	hold()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "waiters are admitted in arrival order")
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := New(1)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_RunPropagatesTaskError(t *testing.T) {
	l := New(1)
	wantErr := assert.AnError
	err := l.Run(context.Background(), func(context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// The slot must be free again after the failed task.
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()
}
