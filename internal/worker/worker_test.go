package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	qmemory "github.com/JakeFAU/media-harvester/internal/queue/memory"
	"github.com/JakeFAU/media-harvester/internal/store/memory"
)

type fakeChain struct {
	mu      sync.Mutex
	results map[string]harvest.Result
	seen    []string
	block   chan struct{}
	ctxErr  error
}

func (c *fakeChain) Dispatch(ctx context.Context, task harvest.Task, _ harvest.Reporter) harvest.Result {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, task.URL.Address)
	c.ctxErr = ctx.Err()
	return c.results[task.URL.Address]
}

func (c *fakeChain) dispatchErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctxErr
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type failingUpdates struct {
	harvest.RecordStore
}

func (failingUpdates) Update(context.Context, func(harvest.Tx) error) error {
	return errors.New("database is locked")
}

func seed(t *testing.T, rs harvest.RecordStore, addresses ...string) []int64 {
	t.Helper()
	var ids []int64
	require.NoError(t, rs.Update(context.Background(), func(tx harvest.Tx) error {
		p := harvest.Post{SourceID: "t3_w", SourceAlias: "pics", Author: "alice"}
		if err := tx.CreatePost(&p); err != nil {
			return err
		}
		for _, address := range addresses {
			u := harvest.URL{PostID: p.ID, Address: address}
			f := harvest.File{Path: "pics/alice/t3_w"}
			if err := tx.CreateURL(&u, &f); err != nil {
				return err
			}
			ids = append(ids, u.ID)
		}
		return nil
	}))
	return ids
}

type harness struct {
	store *memory.Store
	work  *qmemory.WorkQueue
	acks  *qmemory.AckQueue
	chain *fakeChain
}

func newHarness(results map[string]harvest.Result) *harness {
	return &harness{
		store: memory.New(),
		work:  qmemory.NewWorkQueue(8),
		acks:  qmemory.NewAckQueue(),
		chain: &fakeChain{results: results},
	}
}

func (h *harness) worker(rs harvest.RecordStore) *Worker {
	return New(1, rs, h.work, h.acks, h.chain, fixedIDs{id: "album-1"}, nil,
		Config{PollTimeout: 10 * time.Millisecond}, zap.NewNop())
}

func (h *harness) run(t *testing.T, w *Worker, ids ...int64) []harvest.AckPacket {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	for _, id := range ids {
		require.NoError(t, h.work.Enqueue(ctx, id))
	}
	var acks []harvest.AckPacket
	require.Eventually(t, func() bool {
		for {
			pkt, ok := h.acks.TryPop()
			if !ok {
				break
			}
			acks = append(acks, pkt)
		}
		return len(acks) == len(ids)
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	return acks
}

func TestWorkerRecordsDownload(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]harvest.Result{
		"https://x.test/a.jpg": harvest.Success("direct", "pics/alice/t3_w.jpg"),
	})
	ids := seed(t, h.store, "https://x.test/a.jpg")

	acks := h.run(t, h.worker(h.store), ids...)
	require.Equal(t, []harvest.AckPacket{{URLID: ids[0]}}, acks)

	task, err := h.store.Task(context.Background(), ids[0])
	require.NoError(t, err)
	assert.True(t, task.File.Downloaded)
	assert.Equal(t, "pics/alice/t3_w.jpg", task.File.Path)
	assert.False(t, task.URL.Processed, "the loader marks the url processed on ack")
}

func TestWorkerRecordsAlbum(t *testing.T) {
	t.Parallel()

	members := []string{"https://x.test/1.jpg", "https://x.test/2.jpg"}
	h := newHarness(map[string]harvest.Result{
		"https://x.test/a/album": harvest.Album("gallery", members),
	})
	ids := seed(t, h.store, "https://x.test/a/album")

	acks := h.run(t, h.worker(h.store), ids...)
	require.Len(t, acks, 1)
	assert.Equal(t, members, acks[0].ExtraURLs)
	assert.False(t, acks[0].Abandoned)

	task, err := h.store.Task(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, "album-1", task.URL.AlbumID)
	assert.False(t, task.File.Downloaded)
}

func TestWorkerRecordsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]harvest.Result{
		"https://youtube.com/watch": harvest.Failure("denylist", "youtube links are disabled."),
	})
	ids := seed(t, h.store, "https://youtube.com/watch")

	acks := h.run(t, h.worker(h.store), ids...)
	require.Equal(t, []harvest.AckPacket{{URLID: ids[0]}}, acks)

	task, err := h.store.Task(context.Background(), ids[0])
	require.NoError(t, err)
	assert.True(t, task.URL.Failed)
	assert.Equal(t, "youtube links are disabled.", task.URL.FailureReason)
}

func TestWorkerClearsPreviousFailureOnSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]harvest.Result{
		"https://x.test/retry.jpg": harvest.Success("direct", "pics/alice/t3_w.jpg"),
	})
	ids := seed(t, h.store, "https://x.test/retry.jpg")
	require.NoError(t, h.store.Update(context.Background(), func(tx harvest.Tx) error {
		if err := tx.MarkFailed(ids[0], "Error Downloading: timeout"); err != nil {
			return err
		}
		return tx.MarkProcessed(ids[0])
	}))

	h.run(t, h.worker(h.store), ids...)

	task, err := h.store.Task(context.Background(), ids[0])
	require.NoError(t, err)
	assert.False(t, task.URL.Failed)
	assert.Empty(t, task.URL.FailureReason)
}

func TestWorkerAbandonsUnknownURL(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	acks := h.run(t, h.worker(h.store), 404)
	require.Equal(t, []harvest.AckPacket{{URLID: 404, Abandoned: true}}, acks)
	assert.Empty(t, h.chain.seen)
}

func TestWorkerAbandonsWhenPersistFails(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]harvest.Result{
		"https://x.test/a.jpg": harvest.Success("direct", "pics/alice/t3_w.jpg"),
	})
	ids := seed(t, h.store, "https://x.test/a.jpg")

	acks := h.run(t, h.worker(failingUpdates{RecordStore: h.store}), ids...)
	require.Equal(t, []harvest.AckPacket{{URLID: ids[0], Abandoned: true}}, acks)
}

func TestWorkerFinishesInFlightItemAfterStop(t *testing.T) {
	t.Parallel()

	h := newHarness(map[string]harvest.Result{
		"https://x.test/slow.jpg": harvest.Success("direct", "pics/alice/t3_w.jpg"),
	})
	h.chain.block = make(chan struct{})
	ids := seed(t, h.store, "https://x.test/slow.jpg")
	w := h.worker(h.store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	require.NoError(t, h.work.Enqueue(ctx, ids[0]))
	require.Eventually(t, func() bool { return h.work.Len() == 0 }, time.Second, time.Millisecond)

	cancel()
	close(h.chain.block)
	<-done

	pkt, ok := h.acks.TryPop()
	require.True(t, ok)
	assert.Equal(t, ids[0], pkt.URLID)
	assert.False(t, pkt.Abandoned)
	assert.NoError(t, h.chain.dispatchErr())
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	w := h.worker(h.store)
	h.work.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after the queue closed")
	}
}
