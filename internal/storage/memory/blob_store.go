// Package memory stores artifacts in-memory for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/storage/objkey"
)

// BlobStore keeps artifacts in a map.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory artifact store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// Create buffers writes and publishes them on Close.
func (s *BlobStore) Create(_ context.Context, path string) (io.WriteCloser, error) {
	key, err := objkey.Clean(path)
	if err != nil {
		return nil, err
	}
	return &writer{store: s, key: key}, nil
}

// Open returns a reader over a copy of the stored bytes.
func (s *BlobStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	data, err := s.get(path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Size returns the length of the stored bytes.
func (s *BlobStore) Size(_ context.Context, path string) (int64, error) {
	data, err := s.get(path)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Remove deletes path if present.
func (s *BlobStore) Remove(_ context.Context, path string) error {
	key, err := objkey.Clean(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Put stores data directly.
func (s *BlobStore) Put(path string, data []byte) {
	key, err := objkey.Clean(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
}

// Paths lists stored keys in sorted order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *BlobStore) get(path string) ([]byte, error) {
	key, err := objkey.Clean(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, harvest.ErrArtifactNotFound)
	}
	return data, nil
}

type writer struct {
	store *BlobStore
	key   string
	buf   bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.data[w.key] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}
