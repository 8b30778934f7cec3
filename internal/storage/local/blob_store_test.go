// Package local_test tests the local filesystem artifact store.
package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	w, err := store.Create(ctx, "pics/alice/t3_a.jpg")
	require.NoError(t, err)
	_, err = io.WriteString(w, "jpeg bytes")
	require.NoError(t, err)

	_, err = store.Size(ctx, "pics/alice/t3_a.jpg")
	require.ErrorIs(t, err, harvest.ErrArtifactNotFound, "content is invisible until Close")

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	size, err := store.Size(ctx, "pics/alice/t3_a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len("jpeg bytes")), size)

	r, err := store.Open(ctx, "pics/alice/t3_a.jpg")
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "jpeg bytes", string(body))
	assert.FileExists(t, filepath.Join(dir, "pics", "alice", "t3_a.jpg"))

	require.NoError(t, store.Remove(ctx, "pics/alice/t3_a.jpg"))
	require.NoError(t, store.Remove(ctx, "pics/alice/t3_a.jpg"))
	_, err = store.Open(ctx, "pics/alice/t3_a.jpg")
	require.ErrorIs(t, err, harvest.ErrArtifactNotFound)
}

func TestPathTraversal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Create(ctx, "../escape.jpg")
	assert.Error(t, err)
	_, err = store.Open(ctx, "/etc/passwd")
	assert.Error(t, err)
	assert.Error(t, store.Remove(ctx, ""))
}
