package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireRelease(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "inst-1", time.Second)
	require.NoError(t, err)

	// A different key is independent.
	release2, err := l.Acquire(ctx, "inst-2", time.Second)
	require.NoError(t, err)
	release2()

	// The same key is busy until released.
	busyCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(busyCtx, "inst-1", time.Second)
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release() // idempotent

	release3, err := l.Acquire(ctx, "inst-1", time.Second)
	require.NoError(t, err)
	release3()
}

func TestMemoryMutualExclusion(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	var inside int
	var maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "inst-1", time.Second)
			if err != nil {
				return
			}
			defer release()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "only one holder at a time")
}

func TestMemoryWaiterGetsLock(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "inst-1", time.Second)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		r, err := l.Acquire(waitCtx, "inst-1", time.Second)
		if err == nil {
			r()
			close(acquired)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}
