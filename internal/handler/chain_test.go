package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

type stubHandler struct {
	name   string
	order  int
	result harvest.Result
	err    error
	panics bool
	calls  int
}

func (s *stubHandler) Name() string { return s.name }
func (s *stubHandler) Order() int   { return s.order }

func (s *stubHandler) Handle(context.Context, harvest.Task, harvest.Reporter) (harvest.Result, error) {
	s.calls++
	if s.panics {
		panic("boom")
	}
	return s.result, s.err
}

type handlerRecorder struct{ handlers []string }

func (r *handlerRecorder) SetStatus(string)       {}
func (r *handlerRecorder) SetPercent(int)         {}
func (r *handlerRecorder) SetFile(string)         {}
func (r *handlerRecorder) SetHandler(name string) { r.handlers = append(r.handlers, name) }

func task(address string) harvest.Task {
	return harvest.Task{URL: harvest.URL{ID: 1, Address: address}}
}

func TestChainOrdersByOrderThenRegistration(t *testing.T) {
	t.Parallel()

	chain := NewChain(nil,
		&stubHandler{name: "late", order: 100},
		&stubHandler{name: "first-tie", order: 10},
		&stubHandler{name: "second-tie", order: 10},
		&stubHandler{name: "early", order: 0},
	)
	assert.Equal(t, []string{"early", "first-tie", "second-tie", "late"}, chain.Names())
}

func TestChainFirstClaimWins(t *testing.T) {
	t.Parallel()

	decline := &stubHandler{name: "decline", order: 1}
	winner := &stubHandler{name: "winner", order: 2, result: harvest.Success("", "a/b.jpg")}
	after := &stubHandler{name: "after", order: 3, result: harvest.Failure("after", "nope")}
	rec := &handlerRecorder{}

	res := NewChain(nil, after, winner, decline).Dispatch(context.Background(), task("https://x.test/a"), rec)
	assert.Equal(t, harvest.ResultSuccess, res.Kind)
	assert.Equal(t, "winner", res.Handler)
	assert.Equal(t, "a/b.jpg", res.Path)
	assert.Zero(t, after.calls)
	assert.Equal(t, []string{"decline on x.test", "winner on x.test"}, rec.handlers)
}

func TestChainErrorsAndPanicsDecline(t *testing.T) {
	t.Parallel()

	failing := &stubHandler{name: "err", order: 1, err: errors.New("network down")}
	panicking := &stubHandler{name: "panic", order: 2, panics: true}
	winner := &stubHandler{name: "direct", order: 3, result: harvest.Failure("direct", "Unable to determine MIME Type.")}

	res := NewChain(nil, failing, panicking, winner).Dispatch(context.Background(), task("https://x.test/a"), nil)
	require.Equal(t, harvest.ResultFailure, res.Kind)
	assert.Equal(t, "Unable to determine MIME Type.", res.Reason)
	assert.Equal(t, 1, panicking.calls)
}

func TestChainAllDecline(t *testing.T) {
	t.Parallel()

	res := NewChain(nil, &stubHandler{name: "a"}, &stubHandler{name: "b"}).
		Dispatch(context.Background(), task("https://x.test/a"), nil)
	assert.Equal(t, harvest.ResultFailure, res.Kind)
	assert.Equal(t, NoHandlerReason, res.Reason)

	res = NewChain(nil).Dispatch(context.Background(), task("https://x.test/a"), nil)
	assert.Equal(t, NoHandlerReason, res.Reason)
}

func TestChainDenylistAlwaysWins(t *testing.T) {
	t.Parallel()

	for _, order := range []int{100, 0, -1} {
		site := &stubHandler{name: "site", order: order, result: harvest.Success("site", "x")}
		chain := NewChain(nil, site, NewDenylist(DefaultDenylist))
		assert.Equal(t, []string{"denylist", "site"}, chain.Names(), "order %d", order)
		for range 3 {
			res := chain.Dispatch(context.Background(), task("https://youtu.be/abc"), nil)
			assert.Equal(t, harvest.ResultFailure, res.Kind)
			assert.Equal(t, "youtu links are disabled.", res.Reason)
		}
		assert.Zero(t, site.calls, "order %d", order)
	}
}

func TestChainStopsOnExpiredContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &stubHandler{name: "a", result: harvest.Success("a", "x")}
	res := NewChain(nil, h).Dispatch(ctx, task("https://x.test"), nil)
	assert.Equal(t, harvest.ResultFailure, res.Kind)
	assert.Contains(t, res.Reason, "Error Downloading")
	assert.Zero(t, h.calls)
}
