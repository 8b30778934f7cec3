package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

func collect(t *testing.T, src harvest.Source) ([]harvest.Element, error) {
	t.Helper()
	var out []harvest.Element
	for el, err := range src.Elements(context.Background()) {
		if err != nil {
			return out, err
		}
		out = append(out, el)
	}
	return out, nil
}

func child(name, address string) map[string]any {
	return map[string]any{
		"kind": "t3",
		"data": map[string]any{
			"name":        name,
			"author":      "alice",
			"title":       "title " + name,
			"subreddit":   "pics",
			"created_utc": 1700000000.0,
			"url":         address,
			"permalink":   "/r/pics/comments/" + name,
		},
	}
}

func writeListing(t *testing.T, w http.ResponseWriter, after string, children ...map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{"after": after, "children": children},
	}))
}

func TestRedditListingPaginates(t *testing.T) {
	t.Parallel()

	agents := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
		assert.Equal(t, "/r/pics/top.json", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("raw_json"))
		switch r.URL.Query().Get("after") {
		case "":
			writeListing(t, w, "t3_b",
				child("t3_a", "https://i.example.com/a.jpg?width=640"),
				map[string]any{"kind": "t1", "data": map[string]any{"name": "t1_comment"}},
				child("t3_b", "https://i.example.com/b.png"),
			)
		case "t3_b":
			writeListing(t, w, "", child("t3_c", "https://i.example.com/c.gif"))
		default:
			t.Errorf("unexpected after %q", r.URL.Query().Get("after"))
		}
	}))
	defer srv.Close()

	src := NewRedditListing(ListingConfig{
		Subreddit:  "pics",
		Sort:       "top",
		StripQuery: true,
		UserAgent:  "harvester-test/1.0",
		BaseURL:    srv.URL,
	}, nil)
	assert.Equal(t, "pics", src.Alias())

	elements, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, elements, 3)
	assert.Equal(t, "t3_a", elements[0].SourceID)
	assert.Equal(t, []string{"https://i.example.com/a.jpg"}, elements[0].URLs)
	assert.Equal(t, "alice", elements[0].Author)
	assert.Equal(t, "pics", elements[0].Community)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), elements[0].CreatedAt)
	assert.Equal(t, "/r/pics/comments/t3_a", elements[0].Metadata["permalink"])
	assert.Equal(t, "t3_c", elements[2].SourceID)
	assert.Equal(t, "harvester-test/1.0", <-agents)
}

func TestRedditListingHonorsLimit(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/user/bob/submitted.json", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		writeListing(t, w, "t3_next",
			child("t3_a", "https://i.example.com/a.jpg"),
			child("t3_b", "https://i.example.com/b.jpg"),
			child("t3_c", "https://i.example.com/c.jpg"),
		)
	}))
	defer srv.Close()

	src := NewRedditListing(ListingConfig{User: "/u/bob/", Limit: 2, BaseURL: srv.URL}, nil)
	assert.Equal(t, "bob", src.Alias())

	elements, err := collect(t, src)
	require.NoError(t, err)
	assert.Len(t, elements, 2)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRedditListingExpandsGalleriesAndVideos(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gallery := child("t3_gal", "https://www.reddit.com/gallery/gal")
		data := gallery["data"].(map[string]any)
		data["gallery_data"] = map[string]any{"items": []map[string]any{
			{"media_id": "one"}, {"media_id": "two"}, {"media_id": "gone"},
		}}
		data["media_metadata"] = map[string]any{
			"one":  map[string]any{"status": "valid", "s": map[string]any{"u": "https://i.redd.it/one.jpg"}},
			"two":  map[string]any{"status": "valid", "s": map[string]any{"gif": "https://i.redd.it/two.gif", "mp4": "https://i.redd.it/two.mp4"}},
			"gone": map[string]any{"status": "failed"},
		}
		video := child("t3_vid", "https://v.redd.it/abc")
		video["data"].(map[string]any)["secure_media"] = map[string]any{
			"reddit_video": map[string]any{"fallback_url": "https://v.redd.it/abc/DASH_720.mp4"},
		}
		self := child("t3_self", "https://www.reddit.com/r/pics/comments/self")
		self["data"].(map[string]any)["is_self"] = true
		writeListing(t, w, "", gallery, video, self)
	}))
	defer srv.Close()

	elements, err := collect(t, NewRedditListing(ListingConfig{Subreddit: "pics", BaseURL: srv.URL}, nil))
	require.NoError(t, err)
	require.Len(t, elements, 2, "self posts carry no media")
	assert.Equal(t, []string{"https://i.redd.it/one.jpg", "https://i.redd.it/two.mp4"}, elements[0].URLs)
	assert.Equal(t, []string{"https://v.redd.it/abc/DASH_720.mp4"}, elements[1].URLs)
}

func TestRedditListingRetriesThenFails(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if r.URL.Query().Get("after") == "" {
			writeListing(t, w, "t3_a", child("t3_a", "https://i.example.com/a.jpg"))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src := NewRedditListing(ListingConfig{
		Subreddit:  "private",
		BaseURL:    srv.URL,
		RetryDelay: time.Millisecond,
	}, nil)
	elements, err := collect(t, src)
	require.ErrorContains(t, err, "HTTP 403")
	assert.Len(t, elements, 1)
	assert.Equal(t, int32(3), hits.Load())
}

func TestCSVSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "posts.csv")
	content := "id,author,title,community,created_utc,url,score\n" +
		"t3_a,alice,first,pics,1700000000,https://i.example.com/a.jpg?x=1 https://i.example.com/b.jpg,12\n" +
		"t3_b,bob,\"second, with comma\",art,2024-05-01T12:00:00Z,https://i.example.com/c.png,\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	elements, err := collect(t, NewCSV("import", path, true))
	require.NoError(t, err)
	require.Len(t, elements, 2)

	assert.Equal(t, "t3_a", elements[0].SourceID)
	assert.Equal(t, []string{"https://i.example.com/a.jpg", "https://i.example.com/b.jpg"}, elements[0].URLs)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), elements[0].CreatedAt)
	assert.Equal(t, map[string]string{"score": "12"}, elements[0].Metadata)

	assert.Equal(t, "second, with comma", elements[1].Title)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), elements[1].CreatedAt)
	assert.Nil(t, elements[1].Metadata)
}

func TestCSVSourceErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing url column", "id,author\nt3_a,alice\n", `missing "url" column`},
		{"bad timestamp", "id,url,created_utc\nt3_a,https://a,yesterday\n", "line 2"},
		{"empty file", "", "read csv header"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(dir, fmt.Sprintf("case-%d.csv", i))
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := collect(t, NewCSV("", path, false))
			require.ErrorContains(t, err, tt.want)
		})
	}

	_, err := collect(t, NewCSV("", filepath.Join(dir, "missing.csv"), false))
	require.ErrorContains(t, err, "open csv")
}

func TestURLsSource(t *testing.T) {
	t.Parallel()

	src := NewURLs("", []string{
		"https://cdn.example.com/a.jpg?sig=1",
		"  ",
		"https://cdn.example.com/a.jpg?sig=2",
		"https://other.example.org/b.mp4",
	}, true)
	assert.Equal(t, "urls", src.Alias())

	elements, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, "cdn.example.com", elements[0].Author)
	assert.Equal(t, []string{"https://cdn.example.com/a.jpg"}, elements[0].URLs)
	assert.Len(t, elements[0].SourceID, len("url_")+16)

	again, err := collect(t, NewURLs("", []string{"https://cdn.example.com/a.jpg"}, false))
	require.NoError(t, err)
	assert.Equal(t, elements[0].SourceID, again[0].SourceID, "ids are stable across runs")
}

func TestUserList(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "userlist")
	require.NoError(t, os.WriteFile(path, []byte("alice\n# a comment\n\n/u/bob/  # trailing\nALICE\n"), 0o600))

	sources, err := NewUserList(path, ListingConfig{Limit: 5}, nil)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "r001 alice", sources[0].Alias())
	assert.Equal(t, "r004 bob", sources[1].Alias())

	_, err = NewUserList(filepath.Join(t.TempDir(), "nope"), ListingConfig{}, nil)
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	users := filepath.Join(dir, "userlist")
	require.NoError(t, os.WriteFile(users, []byte("carol\ndave\n"), 0o600))

	sources, err := FromConfig([]config.SourceConfig{
		{Type: config.SourceRedditUser, User: "alice"},
		{Type: config.SourceRedditSubreddit, Alias: "art", Subreddit: "Art"},
		{Type: config.SourceUserList, Path: users},
		{Type: config.SourceCSV, Alias: "import", Path: filepath.Join(dir, "posts.csv")},
		{Type: config.SourceURLs, URLs: []string{"https://example.com/a.jpg"}},
	}, Options{UserAgent: "ua"}, nil)
	require.NoError(t, err)

	var aliases []string
	for _, s := range sources {
		aliases = append(aliases, s.Alias())
	}
	assert.Equal(t, []string{"alice", "art", "r001 carol", "r002 dave", "import", "urls"}, aliases)

	_, err = FromConfig([]config.SourceConfig{{Type: "rss"}}, Options{}, nil)
	require.ErrorContains(t, err, "source 0")
}

func TestStripQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://a.example.com/x.jpg", StripQuery("https://a.example.com/x.jpg?w=1#frag"))
	assert.Equal(t, "https://a.example.com/x.jpg", StripQuery("https://a.example.com/x.jpg"))
}
