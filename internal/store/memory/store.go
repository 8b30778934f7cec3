// Package memory keeps records in process memory. Updates run against a copy
// of the state that replaces the live one only when the callback succeeds.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

type state struct {
	posts    map[int64]harvest.Post
	bySource map[string]int64
	urls     map[int64]harvest.URL
	files    map[int64]harvest.File
	hashes   map[int64]harvest.Hash // keyed by file id
	nextPost int64
	nextURL  int64
	nextFile int64
	nextHash int64
}

func (s *state) clone() *state {
	out := *s
	out.posts = maps.Clone(s.posts)
	out.bySource = maps.Clone(s.bySource)
	out.urls = maps.Clone(s.urls)
	out.files = maps.Clone(s.files)
	out.hashes = maps.Clone(s.hashes)
	return &out
}

// Store implements harvest.RecordStore in memory.
type Store struct {
	mu     sync.RWMutex
	state  *state
	closed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{state: &state{
		posts:    make(map[int64]harvest.Post),
		bySource: make(map[string]int64),
		urls:     make(map[int64]harvest.URL),
		files:    make(map[int64]harvest.File),
		hashes:   make(map[int64]harvest.Hash),
	}}
}

var errClosed = fmt.Errorf("memory store is closed")

// Update runs fn against a private copy and publishes it on success.
func (s *Store) Update(ctx context.Context, fn func(tx harvest.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	next := s.state.clone()
	if err := fn(&tx{st: next}); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Store) read() (*state, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	return s.state, nil
}

// PendingURLs lists unprocessed URLs, plus retryable failures when asked.
func (s *Store) PendingURLs(_ context.Context, retryFailed bool) ([]harvest.URL, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	var out []harvest.URL
	for _, id := range slices.Sorted(maps.Keys(st.urls)) {
		u := st.urls[id]
		switch {
		case !u.Processed:
			out = append(out, u)
		case retryFailed && u.Failed && !strings.Contains(u.FailureReason, "404"):
			out = append(out, u)
		}
	}
	return out, nil
}

// Task loads the URL with its File and Post.
func (s *Store) Task(_ context.Context, urlID int64) (harvest.Task, error) {
	st, err := s.read()
	if err != nil {
		return harvest.Task{}, err
	}
	u, ok := st.urls[urlID]
	if !ok {
		return harvest.Task{}, fmt.Errorf("url %d: %w", urlID, harvest.ErrNotFound)
	}
	return harvest.Task{URL: u, File: st.files[u.FileID], Post: st.posts[u.PostID]}, nil
}

// UnhashedFiles lists downloaded files without a hash in id order.
func (s *Store) UnhashedFiles(_ context.Context) ([]harvest.FileCandidate, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	var out []harvest.FileCandidate
	for _, id := range slices.Sorted(maps.Keys(st.files)) {
		f := st.files[id]
		if !f.Downloaded {
			continue
		}
		if _, hashed := st.hashes[id]; hashed {
			continue
		}
		inAlbum, _ := st.fileState(id)
		out = append(out, harvest.FileCandidate{File: f, InAlbum: inAlbum})
	}
	return out, nil
}

// MatchHashes returns hashes sharing the full value or any partition.
func (s *Store) MatchHashes(_ context.Context, full string, parts [4]string, excludeFileID int64) ([]harvest.HashMatch, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	var out []harvest.HashMatch
	for _, fileID := range slices.Sorted(maps.Keys(st.hashes)) {
		if fileID == excludeFileID {
			continue
		}
		h := st.hashes[fileID]
		if h.Full != full && !partsOverlap(h.Parts, parts) {
			continue
		}
		inAlbum, settled := st.fileState(fileID)
		out = append(out, harvest.HashMatch{
			Hash:    h,
			File:    st.files[fileID],
			InAlbum: inAlbum,
			Settled: settled,
		})
	}
	return out, nil
}

func partsOverlap(a, b [4]string) bool {
	for i := range a {
		if a[i] != "" && a[i] == b[i] {
			return true
		}
	}
	return false
}

// Stats counts the stored records.
func (s *Store) Stats(_ context.Context) (harvest.Stats, error) {
	st, err := s.read()
	if err != nil {
		return harvest.Stats{}, err
	}
	stats := harvest.Stats{
		Posts:  int64(len(st.posts)),
		URLs:   int64(len(st.urls)),
		Files:  int64(len(st.files)),
		Hashes: int64(len(st.hashes)),
	}
	for _, u := range st.urls {
		switch u.State() {
		case harvest.StateUnprocessed:
			stats.Unprocessed++
		case harvest.StateFailed:
			stats.Failed++
		}
		if u.AlbumOrder > 0 {
			stats.AlbumMemberURL++
		}
	}
	for _, f := range st.files {
		if f.Downloaded {
			stats.Downloaded++
		}
	}
	return stats, nil
}

// Close rejects further use of the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fileState reports whether any URL of the file is in an album and whether
// every URL of the file is processed.
func (st *state) fileState(fileID int64) (inAlbum, settled bool) {
	settled = true
	for _, u := range st.urls {
		if u.FileID != fileID {
			continue
		}
		if u.AlbumID != "" {
			inAlbum = true
		}
		if !u.Processed {
			settled = false
		}
	}
	return inAlbum, settled
}

type tx struct {
	st *state
}

func (t *tx) PostBySourceID(sourceID string) (harvest.Post, error) {
	id, ok := t.st.bySource[sourceID]
	if !ok {
		return harvest.Post{}, fmt.Errorf("post %q: %w", sourceID, harvest.ErrNotFound)
	}
	return t.st.posts[id], nil
}

func (t *tx) CreatePost(post *harvest.Post) error {
	if post.SourceID == "" {
		return fmt.Errorf("create post: source id is required")
	}
	if _, dup := t.st.bySource[post.SourceID]; dup {
		return fmt.Errorf("create post: source id %q already exists", post.SourceID)
	}
	t.st.nextPost++
	post.ID = t.st.nextPost
	stored := *post
	stored.Metadata = maps.Clone(post.Metadata)
	t.st.posts[post.ID] = stored
	t.st.bySource[post.SourceID] = post.ID
	return nil
}

func (t *tx) URLExists(postID int64, address string) (bool, error) {
	for _, u := range t.st.urls {
		if u.PostID == postID && u.Address == address {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) URLCount(postID int64) (int, error) {
	n := 0
	for _, u := range t.st.urls {
		if u.PostID == postID {
			n++
		}
	}
	return n, nil
}

func (t *tx) CreateURL(u *harvest.URL, f *harvest.File) error {
	if _, ok := t.st.posts[u.PostID]; !ok {
		return fmt.Errorf("create url: post %d: %w", u.PostID, harvest.ErrNotFound)
	}
	t.st.nextFile++
	f.ID = t.st.nextFile
	t.st.files[f.ID] = *f

	t.st.nextURL++
	u.ID = t.st.nextURL
	u.FileID = f.ID
	t.st.urls[u.ID] = *u
	return nil
}

func (t *tx) GetURL(id int64) (harvest.URL, error) {
	u, ok := t.st.urls[id]
	if !ok {
		return harvest.URL{}, fmt.Errorf("url %d: %w", id, harvest.ErrNotFound)
	}
	return u, nil
}

func (t *tx) updateURL(id int64, fn func(u *harvest.URL)) error {
	u, ok := t.st.urls[id]
	if !ok {
		return fmt.Errorf("url %d: %w", id, harvest.ErrNotFound)
	}
	fn(&u)
	t.st.urls[id] = u
	return nil
}

func (t *tx) MarkProcessed(urlID int64) error {
	return t.updateURL(urlID, func(u *harvest.URL) { u.Processed = true })
}

func (t *tx) MarkFailed(urlID int64, reason string) error {
	return t.updateURL(urlID, func(u *harvest.URL) {
		u.Failed = true
		u.FailureReason = reason
	})
}

func (t *tx) ClearFailed(urlID int64) error {
	return t.updateURL(urlID, func(u *harvest.URL) {
		u.Failed = false
		u.FailureReason = ""
	})
}

func (t *tx) SetAlbum(urlID int64, albumID string) error {
	return t.updateURL(urlID, func(u *harvest.URL) { u.AlbumID = albumID })
}

func (t *tx) updateFile(id int64, fn func(f *harvest.File)) error {
	f, ok := t.st.files[id]
	if !ok {
		return fmt.Errorf("file %d: %w", id, harvest.ErrNotFound)
	}
	fn(&f)
	t.st.files[id] = f
	return nil
}

func (t *tx) MarkDownloaded(fileID int64, path string) error {
	return t.updateFile(fileID, func(f *harvest.File) {
		f.Downloaded = true
		f.Path = path
	})
}

func (t *tx) MarkNotDownloaded(fileID int64) error {
	if err := t.updateFile(fileID, func(f *harvest.File) { f.Downloaded = false }); err != nil {
		return err
	}
	delete(t.st.hashes, fileID)
	return nil
}

func (t *tx) PutHash(h *harvest.Hash) error {
	f, ok := t.st.files[h.FileID]
	if !ok {
		return fmt.Errorf("put hash: file %d: %w", h.FileID, harvest.ErrNotFound)
	}
	if !f.Downloaded {
		return fmt.Errorf("put hash: file %d is not downloaded", h.FileID)
	}
	if prev, ok := t.st.hashes[h.FileID]; ok {
		h.ID = prev.ID
	} else {
		t.st.nextHash++
		h.ID = t.st.nextHash
	}
	t.st.hashes[h.FileID] = *h
	return nil
}

func (t *tx) RepointURLs(fromFileID, toFileID int64) (int64, error) {
	if _, ok := t.st.files[toFileID]; !ok {
		return 0, fmt.Errorf("repoint urls: file %d: %w", toFileID, harvest.ErrNotFound)
	}
	var n int64
	for id, u := range t.st.urls {
		if u.FileID == fromFileID {
			u.FileID = toFileID
			t.st.urls[id] = u
			n++
		}
	}
	return n, nil
}

func (t *tx) DeleteFile(fileID int64) error {
	if _, ok := t.st.files[fileID]; !ok {
		return fmt.Errorf("delete file %d: %w", fileID, harvest.ErrNotFound)
	}
	for _, u := range t.st.urls {
		if u.FileID == fileID {
			return fmt.Errorf("delete file %d: still referenced by url %d", fileID, u.ID)
		}
	}
	delete(t.st.files, fileID)
	delete(t.st.hashes, fileID)
	return nil
}

func (t *tx) URLsForFile(fileID int64) ([]harvest.URL, error) {
	var out []harvest.URL
	for _, id := range slices.Sorted(maps.Keys(t.st.urls)) {
		if u := t.st.urls[id]; u.FileID == fileID {
			out = append(out, u)
		}
	}
	return out, nil
}
