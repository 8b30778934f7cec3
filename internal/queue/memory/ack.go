package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// AckQueue is an unbounded FIFO of ack packets. Push never blocks, so a
// worker can always report completion even while the loader is itself
// blocked on a full work queue.
type AckQueue struct {
	mu     sync.Mutex
	items  []harvest.AckPacket
	notify chan struct{}
}

// NewAckQueue constructs an empty ack queue.
func NewAckQueue() *AckQueue {
	return &AckQueue{notify: make(chan struct{}, 1)}
}

// Push appends a packet.
func (q *AckQueue) Push(pkt harvest.AckPacket) {
	q.mu.Lock()
	q.items = append(q.items, pkt)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest packet without waiting.
func (q *AckQueue) TryPop() (harvest.AckPacket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return harvest.AckPacket{}, false
	}
	pkt := q.items[0]
	q.items[0] = harvest.AckPacket{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return pkt, true
}

// Pop waits up to timeout for a packet. It returns ok=false with a nil error
// when the timeout elapses.
func (q *AckQueue) Pop(ctx context.Context, timeout time.Duration) (harvest.AckPacket, bool, error) {
	if pkt, ok := q.TryPop(); ok {
		return pkt, true, nil
	}
	if timeout <= 0 {
		return harvest.AckPacket{}, false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return harvest.AckPacket{}, false, fmt.Errorf("ack pop canceled: %w", ctx.Err())
		case <-timer.C:
			pkt, ok := q.TryPop()
			return pkt, ok, nil
		case <-q.notify:
			if pkt, ok := q.TryPop(); ok {
				return pkt, true, nil
			}
		}
	}
}

// Len reports the number of pending packets.
func (q *AckQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
