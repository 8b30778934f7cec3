// Package storage selects the artifact store backend that holds downloaded
// media.
package storage

import (
	"context"
	"fmt"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/storage/gcs"
	"github.com/JakeFAU/media-harvester/internal/storage/local"
	"github.com/JakeFAU/media-harvester/internal/storage/memory"
	"github.com/JakeFAU/media-harvester/internal/storage/s3"
)

// Supported backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config selects the backend and carries its settings.
type Config struct {
	Backend string
	BaseDir string
	GCS     gcs.Config
	S3      s3.Config
}

// Open builds the configured artifact store. The returned closer releases
// client resources and is never nil.
func Open(ctx context.Context, cfg Config) (harvest.ArtifactStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case BackendLocal, "":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local store: %w", err)
		}
		return store, noop, nil
	case BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, cfg.GCS)
		if err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("open gcs store: %w", err)
		}
		return store, client.Close, nil
	case BackendS3:
		client, err := s3.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, noop, fmt.Errorf("create s3 client: %w", err)
		}
		store, err := s3.New(client, cfg.S3)
		if err != nil {
			return nil, noop, fmt.Errorf("open s3 store: %w", err)
		}
		return store, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown output backend %q", cfg.Backend)
	}
}
