package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyBarrier_OpenByDefault(t *testing.T) {
	b := NewReadyBarrier()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Await(ctx))
}

func TestReadyBarrier_HoldBlocksAwait(t *testing.T) {
	b := NewReadyBarrier()
	b.Hold()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Await(ctx), context.DeadlineExceeded)
}

func TestReadyBarrier_ReleaseWakesWaiters(t *testing.T) {
	b := NewReadyBarrier()
	b.Hold()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs[i] = b.Await(ctx)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	b.Release()
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestReadyBarrier_RepeatedHoldRelease(t *testing.T) {
	b := NewReadyBarrier()
	// Double Hold and double Release must not panic or deadlock.
	b.Hold()
	b.Hold()
	b.Release()
	b.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Await(ctx))
}

func TestFlightGuard_SingleFlight(t *testing.T) {
	var g FlightGuard
	require.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
	g.Release()
	assert.True(t, g.TryAcquire())
}
