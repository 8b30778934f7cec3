package dedup

import (
	"context"
	"fmt"
	"image"
	"image/gif"
	"io"

	"github.com/JakeFAU/media-harvester/internal/hash/dhash"
	"github.com/JakeFAU/media-harvester/internal/hash/sha256"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Fingerprint returns the difference hash of a static image and the SHA-256
// of anything else, including animated GIFs and images that fail to decode.
func Fingerprint(ctx context.Context, artifacts harvest.ArtifactStore, path string) (string, error) {
	var format string
	err := withArtifact(ctx, artifacts, path, func(r io.Reader) error {
		_, f, err := image.DecodeConfig(r)
		if err == nil {
			format = f
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if format != "" {
		var sum string
		err := withArtifact(ctx, artifacts, path, func(r io.Reader) error {
			sum = perceptual(r, format)
			return nil
		})
		if err != nil {
			return "", err
		}
		if sum != "" {
			return sum, nil
		}
	}

	var sum string
	err = withArtifact(ctx, artifacts, path, func(r io.Reader) error {
		var hashErr error
		sum, hashErr = sha256.New().HashReader(r)
		return hashErr
	})
	if err != nil {
		return "", err
	}
	return sum, nil
}

// perceptual returns "" when the content should be hashed byte-wise.
func perceptual(r io.Reader, format string) string {
	if format == "gif" {
		anim, err := gif.DecodeAll(r)
		if err != nil || len(anim.Image) != 1 {
			return ""
		}
		return dhash.Hash(anim.Image[0])
	}
	img, _, err := image.Decode(r)
	if err != nil {
		return ""
	}
	return dhash.Hash(img)
}

func withArtifact(ctx context.Context, artifacts harvest.ArtifactStore, path string, fn func(io.Reader) error) (err error) {
	rc, err := artifacts.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
	}()
	return fn(rc)
}
