package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

type fakeStats struct {
	stats harvest.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (harvest.Stats, error) {
	return f.stats, f.err
}

func serve(t *testing.T, h *StatusHandler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewServer(h, nil, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestProgressEndpoints(t *testing.T) {
	t.Parallel()

	board := progress.NewBoard(uuid.New(), nil)
	board.Reporter("worker-1").SetStatus("Downloading...")
	board.Reporter("loader").SetStatus("Scanning pics")
	h := NewStatusHandler(board, nil, nil, nil)

	rec := serve(t, h, "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Components []progress.Snapshot `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Components, 2)
	assert.Equal(t, "loader", list.Components[0].Component)

	rec = serve(t, h, "/v1/progress/worker-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "Downloading...", snap.Status)

	rec = serve(t, h, "/v1/progress/dedup")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressWithoutBoard(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewStatusHandler(nil, nil, nil, nil), "/v1/progress")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	h := NewStatusHandler(nil, fakeStats{stats: harvest.Stats{Posts: 3, URLs: 7, Unprocessed: 2}},
		func() (int, int, int) { return 5, 2500, 9 }, nil)

	rec := serve(t, h, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"records": {"posts":3,"urls":7,"unprocessed":2,"failed":0,"files":0,"downloaded":0,"hashes":0,"album_member_urls":0},
		"queue": {"depth":5,"capacity":2500,"open_acks":9}
	}`, rec.Body.String())
}

func TestStatsEndpointErrors(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewStatusHandler(nil, fakeStats{err: errors.New("db gone")}, nil, nil), "/v1/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = serve(t, NewStatusHandler(nil, nil, nil, nil), "/v1/stats")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
