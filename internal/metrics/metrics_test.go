package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "i.redd.it:8080", "i.redd.it"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := urlsEnqueuedTotal
	Init()
	assert.Same(t, first, urlsEnqueuedTotal)
}

func TestObservers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(urlsEnqueuedTotal.WithLabelValues("scan"))
	ObserveEnqueued("scan", 3)
	assert.InDelta(t, before+3, testutil.ToFloat64(urlsEnqueuedTotal.WithLabelValues("scan")), 0.001)

	SetQueueState(12, 40)
	assert.InDelta(t, 12, testutil.ToFloat64(queueDepth), 0.001)
	assert.InDelta(t, 40, testutil.ToFloat64(openAcks), 0.001)

	before = testutil.ToFloat64(handlerOutcomesTotal.WithLabelValues("none", "failure"))
	ObserveOutcome("", "failure", time.Second)
	assert.InDelta(t, before+1, testutil.ToFloat64(handlerOutcomesTotal.WithLabelValues("none", "failure")), 0.001)

	before = testutil.ToFloat64(downloadBytesTotal.WithLabelValues("i.redd.it"))
	ObserveDownload("https://i.redd.it/a.jpg", 2048)
	ObserveDownload("https://i.redd.it/b.jpg", 0)
	assert.InDelta(t, before+2048, testutil.ToFloat64(downloadBytesTotal.WithLabelValues("i.redd.it")), 0.001)

	before = testutil.ToFloat64(dedupFilesTotal.WithLabelValues("merged"))
	ObserveDedup("merged", 2)
	ObserveDedup("merged", 0)
	assert.InDelta(t, before+2, testutil.ToFloat64(dedupFilesTotal.WithLabelValues("merged")), 0.001)

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	assert.InDelta(t, 1, testutil.ToFloat64(activeWorkers), 0.001)
	DecActiveWorkers()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://i.imgur.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
