package rendered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

func newHandler(t *testing.T, cfg Config, render renderFunc) *Handler {
	t.Helper()
	h, err := New(nil, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	if render != nil {
		h.render = render
	}
	return h
}

func taskFor(address string) harvest.Task {
	return harvest.Task{URL: harvest.URL{ID: 9, Address: address}}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	h := newHandler(t, Config{MaxParallel: 2}, nil)
	assert.Equal(t, 2, cap(h.limiter))
	assert.Equal(t, 45*time.Second, h.cfg.NavigationTimeout)
}

func TestMatches(t *testing.T) {
	t.Parallel()

	h := newHandler(t, Config{Hosts: []string{" Spa.Example.com ", ".js.test", ""}}, nil)
	assert.True(t, h.Matches("https://spa.example.com/p/1"))
	assert.True(t, h.Matches("https://www.spa.example.com/p/1"))
	assert.True(t, h.Matches("http://js.test/x"))
	assert.False(t, h.Matches("https://notspa.example.com/p/1"))
	assert.False(t, h.Matches("ftp://spa.example.com/p/1"))
	assert.Equal(t, []string{"spa.example.com", "js.test"}, h.cfg.Hosts)
}

func TestHandleExtractsRenderedMedia(t *testing.T) {
	t.Parallel()

	render := func(context.Context, string) (page, error) {
		return page{
			html:     `<html><body><img src="/m/1.jpg"><video src="https://cdn.js.test/2.mp4"></video></body></html>`,
			finalURL: "https://js.test/final/",
			status:   200,
		}, nil
	}
	h := newHandler(t, Config{Hosts: []string{"js.test"}}, render)

	res, err := h.Handle(context.Background(), taskFor("https://js.test/start"), nil)
	require.NoError(t, err)
	require.True(t, res.IsAlbum())
	assert.Equal(t, []string{"https://js.test/m/1.jpg", "https://cdn.js.test/2.mp4"}, res.AlbumURLs)
}

func TestHandleOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		page   page
		err    error
		kind   harvest.ResultKind
		reason string
		fails  bool
	}{
		{name: "server error", page: page{status: 410}, kind: harvest.ResultFailure, reason: "Server Error: https://js.test/a->410"},
		{name: "no media", page: page{html: "<p>empty</p>", status: 200}, kind: harvest.ResultNotApplicable},
		{name: "render error", err: errors.New("chrome crashed"), fails: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHandler(t, Config{Hosts: []string{"js.test"}}, func(context.Context, string) (page, error) {
				return tc.page, tc.err
			})
			res, err := h.Handle(context.Background(), taskFor("https://js.test/a"), nil)
			if tc.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, res.Kind)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestHandleSkipsOtherHosts(t *testing.T) {
	t.Parallel()

	h := newHandler(t, Config{Hosts: []string{"js.test"}}, func(context.Context, string) (page, error) {
		t.Fatal("render must not run")
		return page{}, nil
	})
	res, err := h.Handle(context.Background(), taskFor("https://other.test/a"), nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.ResultNotApplicable, res.Kind)
}

func TestSlotWaitHonoursContext(t *testing.T) {
	t.Parallel()

	h := newHandler(t, Config{MaxParallel: 1}, nil)
	require.NoError(t, h.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.acquire(ctx), context.Canceled)
	h.release()
	require.NoError(t, h.acquire(context.Background()))
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := &responseMeta{}
	assert.Equal(t, 200, meta.snapshot())
	meta.captureEvent(&network.EventResponseReceived{Type: network.ResourceTypeImage, Response: &network.Response{Status: 500}})
	meta.captureEvent(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 404}})
	meta.captureEvent(&network.EventResponseReceived{Type: network.ResourceTypeDocument, Response: &network.Response{Status: 200}})
	meta.captureEvent("unrelated")
	assert.Equal(t, 404, meta.snapshot())
}
