// Package storetest holds behaviour checks shared by every record store
// backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) harvest.RecordStore

// Run exercises the harvest.RecordStore contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("posts are unique by source id", func(t *testing.T) {
		rs := newStore(t)
		ctx := context.Background()

		var first harvest.Post
		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			first = samplePost("t3_a")
			return tx.CreatePost(&first)
		}))
		require.NotZero(t, first.ID)

		err := rs.Update(ctx, func(tx harvest.Tx) error {
			dup := samplePost("t3_a")
			return tx.CreatePost(&dup)
		})
		require.Error(t, err)

		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			got, err := tx.PostBySourceID("t3_a")
			require.NoError(t, err)
			require.Equal(t, first.ID, got.ID)
			require.Equal(t, "alice", got.Author)
			require.Equal(t, "v", got.Metadata["k"])

			_, err = tx.PostBySourceID("missing")
			require.ErrorIs(t, err, harvest.ErrNotFound)
			return nil
		}))
	})

	t.Run("failed update leaves no trace", func(t *testing.T) {
		rs := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")

		err := rs.Update(ctx, func(tx harvest.Tx) error {
			p := samplePost("t3_rollback")
			if err := tx.CreatePost(&p); err != nil {
				return err
			}
			u := harvest.URL{PostID: p.ID, Address: "https://example.com/a.jpg"}
			f := harvest.File{Path: "x/a"}
			if err := tx.CreateURL(&u, &f); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		stats, err := rs.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.Posts)
		require.Zero(t, stats.URLs)
		require.Zero(t, stats.Files)
	})

	t.Run("url lifecycle and pending selection", func(t *testing.T) {
		rs := newStore(t)
		ctx := context.Background()
		ids := seedURLs(t, rs, "t3_life", "a", "b", "c", "d")

		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			exists, err := tx.URLExists(mustURL(t, tx, ids[0]).PostID, "https://example.com/a")
			require.NoError(t, err)
			require.True(t, exists)
			exists, err = tx.URLExists(mustURL(t, tx, ids[0]).PostID, "https://example.com/zzz")
			require.NoError(t, err)
			require.False(t, exists)
			count, err := tx.URLCount(mustURL(t, tx, ids[0]).PostID)
			require.NoError(t, err)
			require.Equal(t, 4, count)
			count, err = tx.URLCount(-1)
			require.NoError(t, err)
			require.Zero(t, count)

			require.NoError(t, tx.MarkProcessed(ids[0]))
			require.NoError(t, tx.MarkFailed(ids[1], "Server Error: https://example.com/b->404"))
			require.NoError(t, tx.MarkProcessed(ids[1]))
			require.NoError(t, tx.MarkFailed(ids[2], "Error Downloading: timeout"))
			require.NoError(t, tx.MarkProcessed(ids[2]))
			return nil
		}))

		pending, err := rs.PendingURLs(ctx, false)
		require.NoError(t, err)
		require.Equal(t, []int64{ids[3]}, urlIDs(pending))

		pending, err = rs.PendingURLs(ctx, true)
		require.NoError(t, err)
		require.Equal(t, []int64{ids[2], ids[3]}, urlIDs(pending))

		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			require.NoError(t, tx.ClearFailed(ids[2]))
			u := mustURL(t, tx, ids[2])
			require.Equal(t, harvest.StateProcessed, u.State())
			require.Empty(t, u.FailureReason)
			return nil
		}))

		task, err := rs.Task(ctx, ids[0])
		require.NoError(t, err)
		require.Equal(t, "t3_life", task.Post.SourceID)
		require.Equal(t, task.URL.FileID, task.File.ID)
		require.Equal(t, harvest.StateProcessed, task.URL.State())

		_, err = rs.Task(ctx, 9999)
		require.ErrorIs(t, err, harvest.ErrNotFound)

		err = rs.Update(ctx, func(tx harvest.Tx) error { return tx.MarkProcessed(9999) })
		require.ErrorIs(t, err, harvest.ErrNotFound)
	})

	t.Run("albums", func(t *testing.T) {
		rs := newStore(t)
		ctx := context.Background()
		ids := seedURLs(t, rs, "t3_album", "gallery")

		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			parent := mustURL(t, tx, ids[0])
			require.NoError(t, tx.SetAlbum(parent.ID, "album-1"))
			require.NoError(t, tx.MarkProcessed(parent.ID))
			for i, addr := range []string{"https://example.com/1.jpg", "https://example.com/2.jpg"} {
				u := harvest.URL{PostID: parent.PostID, Address: addr, AlbumID: "album-1", AlbumOrder: i + 1}
				f := harvest.File{Path: "album/member"}
				require.NoError(t, tx.CreateURL(&u, &f))
			}
			return nil
		}))

		stats, err := rs.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), stats.URLs)
		require.Equal(t, int64(2), stats.AlbumMemberURL)
		require.Equal(t, int64(2), stats.Unprocessed)

		pending, err := rs.PendingURLs(ctx, false)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		require.Equal(t, "album-1", pending[0].AlbumID)
		require.Equal(t, 1, pending[0].AlbumOrder)
		require.Equal(t, 2, pending[1].AlbumOrder)
	})

	t.Run("hashing and merge", func(t *testing.T) {
		rs := newStore(t)
		ctx := context.Background()
		ids := seedURLs(t, rs, "t3_dup", "a", "b")

		var fileA, fileB int64
		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			fileA = mustURL(t, tx, ids[0]).FileID
			fileB = mustURL(t, tx, ids[1]).FileID
			require.NoError(t, tx.MarkDownloaded(fileA, "x/a.jpg"))
			require.NoError(t, tx.MarkDownloaded(fileB, "x/b.png"))
			require.NoError(t, tx.MarkProcessed(ids[0]))
			require.NoError(t, tx.MarkProcessed(ids[1]))
			return nil
		}))

		candidates, err := rs.UnhashedFiles(ctx)
		require.NoError(t, err)
		require.Len(t, candidates, 2)
		require.Equal(t, fileA, candidates[0].File.ID)
		require.Equal(t, "x/a.jpg", candidates[0].File.Path)
		require.False(t, candidates[0].InAlbum)

		parts := [4]string{"aaaa", "bbbb", "cccc", "dddd"}
		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			return tx.PutHash(&harvest.Hash{FileID: fileA, Full: "aaaabbbbccccdddd", Parts: parts})
		}))

		matches, err := rs.MatchHashes(ctx, "aaaabbbbccccdddd", parts, fileB)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		require.Equal(t, fileA, matches[0].File.ID)
		require.True(t, matches[0].Settled)
		require.False(t, matches[0].InAlbum)

		partial, err := rs.MatchHashes(ctx, "zzzzbbbbzzzzzzzz", [4]string{"zzzz", "bbbb", "zzzz", "zzzz"}, 0)
		require.NoError(t, err)
		require.Len(t, partial, 1)

		none, err := rs.MatchHashes(ctx, "aaaabbbbccccdddd", parts, fileA)
		require.NoError(t, err)
		require.Empty(t, none)

		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			n, err := tx.RepointURLs(fileB, fileA)
			require.NoError(t, err)
			require.Equal(t, int64(1), n)
			require.NoError(t, tx.DeleteFile(fileB))
			urls, err := tx.URLsForFile(fileA)
			require.NoError(t, err)
			require.Len(t, urls, 2)
			return nil
		}))

		err = rs.Update(ctx, func(tx harvest.Tx) error { return tx.DeleteFile(fileB) })
		require.ErrorIs(t, err, harvest.ErrNotFound)

		err = rs.Update(ctx, func(tx harvest.Tx) error { return tx.DeleteFile(fileA) })
		require.Error(t, err, "a referenced file cannot be deleted")

		remaining, err := rs.UnhashedFiles(ctx)
		require.NoError(t, err)
		require.Empty(t, remaining)

		stats, err := rs.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), stats.Files)
		require.Equal(t, int64(1), stats.Hashes)
	})

	t.Run("hash requires a downloaded file", func(t *testing.T) {
		rs := newStore(t)
		ctx := context.Background()
		ids := seedURLs(t, rs, "t3_nohash", "a")

		err := rs.Update(ctx, func(tx harvest.Tx) error {
			fileID := mustURL(t, tx, ids[0]).FileID
			return tx.PutHash(&harvest.Hash{FileID: fileID, Full: "ff", Parts: [4]string{"f", "f", "", ""}})
		})
		require.Error(t, err)

		require.NoError(t, rs.Update(ctx, func(tx harvest.Tx) error {
			fileID := mustURL(t, tx, ids[0]).FileID
			require.NoError(t, tx.MarkDownloaded(fileID, "x/a.gif"))
			require.NoError(t, tx.PutHash(&harvest.Hash{FileID: fileID, Full: "ff", Parts: [4]string{"f", "f", "", ""}}))
			return tx.MarkNotDownloaded(fileID)
		}))

		stats, err := rs.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.Hashes)
		require.Zero(t, stats.Downloaded)
	})
}

func samplePost(sourceID string) harvest.Post {
	return harvest.Post{
		SourceID:    sourceID,
		SourceAlias: "pics",
		Author:      "alice",
		Title:       "a title",
		Community:   "pics",
		CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Metadata:    map[string]string{"k": "v"},
	}
}

func seedURLs(t *testing.T, rs harvest.RecordStore, sourceID string, names ...string) []int64 {
	t.Helper()
	var ids []int64
	require.NoError(t, rs.Update(context.Background(), func(tx harvest.Tx) error {
		p := samplePost(sourceID)
		if err := tx.CreatePost(&p); err != nil {
			return err
		}
		for _, name := range names {
			u := harvest.URL{PostID: p.ID, Address: "https://example.com/" + name}
			f := harvest.File{Path: "pics/alice/" + sourceID + "-" + name}
			if err := tx.CreateURL(&u, &f); err != nil {
				return err
			}
			ids = append(ids, u.ID)
		}
		return nil
	}))
	return ids
}

func mustURL(t *testing.T, tx harvest.Tx, id int64) harvest.URL {
	t.Helper()
	u, err := tx.GetURL(id)
	require.NoError(t, err)
	return u
}

func urlIDs(urls []harvest.URL) []int64 {
	out := make([]int64, 0, len(urls))
	for _, u := range urls {
		out = append(out, u.ID)
	}
	return out
}
