package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewWorkQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), 7))
	require.NoError(t, q.Enqueue(context.Background(), 8))
	require.Equal(t, 2, q.Len())
	require.Equal(t, 2, q.Cap())

	id, ok, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), id)

	id, ok, err = q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(8), id)
}

func TestWorkQueueDequeueTimesOut(t *testing.T) {
	t.Parallel()

	q := NewWorkQueue(1)
	start := time.Now()
	_, ok, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

// TestWorkQueueBlocksAtCapacity checks that the (C+1)th enqueue waits for a
// consumer instead of dropping or failing.
func TestWorkQueueBlocksAtCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 3
	q := NewWorkQueue(capacity)
	for i := range capacity {
		require.NoError(t, q.Enqueue(context.Background(), int64(i)))
	}

	var enqueued atomic.Bool
	go func() {
		if err := q.Enqueue(context.Background(), capacity); err == nil {
			enqueued.Store(true)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.False(t, enqueued.Load(), "enqueue beyond capacity must block")

	id, ok, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), id)

	require.Eventually(t, enqueued.Load, time.Second, 5*time.Millisecond)
	require.Equal(t, capacity, q.Len())
}

func TestWorkQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewWorkQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := q.Dequeue(ctx, time.Second)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), 1))
	err = q.Enqueue(ctx, 2)
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestWorkQueueCloseDrainsThenErrors(t *testing.T) {
	t.Parallel()

	q := NewWorkQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), 42))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), 43), ErrQueueClosed)

	id, ok, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	_, ok, err = q.Dequeue(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrQueueClosed)
	require.False(t, ok)
}
