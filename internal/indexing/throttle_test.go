package indexing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorEnforcesCapacity(t *testing.T) {
	a := NewAllocator(1)
	ctx := context.Background()

	r1, err := a.Acquire(ctx, "agent-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r2, err := a.Acquire(ctx, "agent-2")
		require.NoError(t, err)
		close(acquired)
		r2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked while the first slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	r1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should have proceeded after release")
	}
}

func TestAllocatorReleasesEverySlotAfterConcurrentUse(t *testing.T) {
	a := NewAllocator(2)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := a.Acquire(ctx, "agent")
			require.NoError(t, err)
			defer r.Release()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Len(t, a.sem, 0)
}

func TestAllocatorRespectsCancellation(t *testing.T) {
	a := NewAllocator(1)
	r, err := a.Acquire(context.Background(), "agent-1")
	require.NoError(t, err)
	defer r.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx, "agent-2")
	assert.Error(t, err)
}
