package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllTasksRunAndWaitCollectsErrors(t *testing.T) {
	g := NewTaskGroup(context.Background(), 4)

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		i := i
		ok := g.Go(func(ctx context.Context) error {
			ran.Add(1)
			if i%5 == 0 {
				return fmt.Errorf("task %d failed", i)
			}
			return nil
		})
		require.True(t, ok)
	}

	errs := g.Wait()
	assert.Equal(t, int32(20), ran.Load())
	assert.Len(t, errs, 4)

	stats := g.Stats()
	assert.Equal(t, int64(20), stats.TotalTasks)
	assert.Equal(t, int64(4), stats.FailedTasks)
	assert.InDelta(t, 80.0, stats.SuccessRate, 0.001)
}

func TestConcurrencyIsBounded(t *testing.T) {
	g := NewTaskGroup(context.Background(), 3)

	var current, peak atomic.Int32
	for i := 0; i < 12; i++ {
		g.Go(func(ctx context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		})
	}
	g.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestGoRefusesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewTaskGroup(ctx, 1)

	release := make(chan struct{})
	require.True(t, g.Go(func(ctx context.Context) error {
		<-release
		return nil
	}))

	// The slot is held; a cancelled context must unblock the submitter
	cancel()
	assert.False(t, g.Go(func(ctx context.Context) error { return nil }))

	close(release)
	assert.Empty(t, g.Wait())
}

func TestOneFailureDoesNotCancelSiblings(t *testing.T) {
	g := NewTaskGroup(context.Background(), 2)

	var completed atomic.Int32
	g.Go(func(ctx context.Context) error {
		return fmt.Errorf("boom")
	})
	for i := 0; i < 5; i++ {
		g.Go(func(ctx context.Context) error {
			time.Sleep(2 * time.Millisecond)
			completed.Add(1)
			return nil
		})
	}

	errs := g.Wait()
	require.Len(t, errs, 1)
	assert.Equal(t, int32(5), completed.Load())
}

func TestZeroConcurrencyDefaultsToOne(t *testing.T) {
	g := NewTaskGroup(context.Background(), 0)
	require.True(t, g.Go(func(ctx context.Context) error { return nil }))
	assert.Empty(t, g.Wait())
}
