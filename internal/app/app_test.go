package app_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/app"
	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/handler"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/source"
)

func testConfig() config.Config {
	return config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		Output:   config.OutputConfig{Backend: "memory"},
		Pipeline: config.PipelineConfig{
			Workers:        2,
			QueueCapacity:  8,
			AckHighWater:   4,
			AckMinWindow:   10 * time.Millisecond,
			AckMaxWindow:   100 * time.Millisecond,
			PollTimeout:    10 * time.Millisecond,
			HandlerTimeout: 5 * time.Second,
		},
		Handlers: config.HandlersConfig{
			UserAgent:  "harvester-test",
			Timeout:    5 * time.Second,
			MaxRetries: 1,
			Denylist:   handler.DefaultDenylist,
		},
		Dedup: config.DedupConfig{
			Enabled:      true,
			BusyInterval: 10 * time.Millisecond,
			IdleInterval: 10 * time.Millisecond,
		},
	}
}

func newApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, nil, app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := range 32 {
		for x := range 32 {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRunDownloadsAndMergesDuplicates(t *testing.T) {
	t.Parallel()

	body := pngBytes(t)
	mux := http.NewServeMux()
	serve := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}
	mux.HandleFunc("/a.png", serve)
	mux.HandleFunc("/b.png", serve)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	a := newApp(t, testConfig())
	sources := []harvest.Source{
		source.NewURLs("mirror", []string{srv.URL + "/a.png", srv.URL + "/b.png", srv.URL + "/missing.png"}, false),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx, sources))

	st, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.URLs)
	assert.Zero(t, st.Unprocessed)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.Downloaded)
	assert.Equal(t, int64(1), st.Hashes)

	again, err := a.Dedupe(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Merged)
	assert.Zero(t, again.Hashed)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Database.Driver = "mongo"
	_, err := app.New(context.Background(), cfg, nil, app.WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "open record store")
}

func TestServerExposesBoardAndStats(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	h := a.Server().Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress/"+app.ComponentLoader, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"component":"loader"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"capacity":8`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSourcesFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Sources = []config.SourceConfig{
		{Type: config.SourceURLs, Alias: "list", URLs: []string{"https://example.com/a.jpg"}},
		{Type: config.SourceRedditSubreddit, Subreddit: "pics"},
	}
	a := newApp(t, cfg)

	sources, err := a.Sources()
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "list", sources[0].Alias())
}
