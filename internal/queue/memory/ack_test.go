package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

func TestAckQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewAckQueue()
	for i := range 1000 {
		q.Push(harvest.AckPacket{URLID: int64(i)})
	}
	require.Equal(t, 1000, q.Len())

	for i := range 1000 {
		pkt, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, int64(i), pkt.URLID)
	}
	_, ok := q.TryPop()
	require.False(t, ok)
}

func TestAckQueuePopWaitsForPush(t *testing.T) {
	t.Parallel()

	q := NewAckQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(harvest.AckPacket{URLID: 9, ExtraURLs: []string{"https://a", "https://b"}})
	}()

	pkt, ok, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(9), pkt.URLID)
	require.Len(t, pkt.ExtraURLs, 2)
}

func TestAckQueuePopTimeoutAndCancel(t *testing.T) {
	t.Parallel()

	q := NewAckQueue()
	_, ok, err := q.Pop(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err = q.Pop(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ok)
}

func TestAckQueuePopPrefersBufferedOverCancel(t *testing.T) {
	t.Parallel()

	q := NewAckQueue()
	q.Push(harvest.AckPacket{URLID: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pkt, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), pkt.URLID)
}
