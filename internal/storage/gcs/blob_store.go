// Package gcs provides an artifact store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/storage/objkey"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed artifact store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *BlobStore) object(path string) (*storage.ObjectHandle, error) {
	key, err := objkey.Join(s.prefix, path)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(key), nil
}

// Create returns a writer that uploads on Close. ctx must outlive the writer.
func (s *BlobStore) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	obj, err := s.object(path)
	if err != nil {
		return nil, err
	}
	return obj.NewWriter(ctx), nil
}

// Open streams the object.
func (s *BlobStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.object(path)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("open %s: %w", path, harvest.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return r, nil
}

// Size reads the object size from its attributes.
func (s *BlobStore) Size(ctx context.Context, path string) (int64, error) {
	obj, err := s.object(path)
	if err != nil {
		return 0, err
	}
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, fmt.Errorf("stat %s: %w", path, harvest.ErrArtifactNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read object attrs: %w", err)
	}
	return attrs.Size, nil
}

// Remove deletes the object. Missing objects are not an error.
func (s *BlobStore) Remove(ctx context.Context, path string) error {
	obj, err := s.object(path)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
