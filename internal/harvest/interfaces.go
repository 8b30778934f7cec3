package harvest

import (
	"context"
	"io"
	"iter"
	"time"
)

// RecordStore is the transactional store of posts, URLs, files and hashes.
type RecordStore interface {
	// Update runs fn in a single all-or-nothing transaction.
	Update(ctx context.Context, fn func(tx Tx) error) error
	PendingURLs(ctx context.Context, retryFailed bool) ([]URL, error)
	Task(ctx context.Context, urlID int64) (Task, error)
	UnhashedFiles(ctx context.Context) ([]FileCandidate, error)
	MatchHashes(ctx context.Context, full string, parts [4]string, excludeFileID int64) ([]HashMatch, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Tx exposes reads and mutations inside one transaction.
type Tx interface {
	PostBySourceID(sourceID string) (Post, error)
	CreatePost(post *Post) error
	URLExists(postID int64, address string) (bool, error)
	// URLCount counts every URL of a post, album members included.
	URLCount(postID int64) (int, error)
	CreateURL(u *URL, f *File) error
	GetURL(id int64) (URL, error)
	MarkProcessed(urlID int64) error
	MarkFailed(urlID int64, reason string) error
	// ClearFailed resets the failure flag of a URL that is being retried.
	ClearFailed(urlID int64) error
	SetAlbum(urlID int64, albumID string) error
	MarkDownloaded(fileID int64, path string) error
	MarkNotDownloaded(fileID int64) error
	PutHash(h *Hash) error
	RepointURLs(fromFileID, toFileID int64) (int64, error)
	DeleteFile(fileID int64) error
	URLsForFile(fileID int64) ([]URL, error)
}

// ArtifactStore holds downloaded media under relative paths.
type ArtifactStore interface {
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Size(ctx context.Context, path string) (int64, error)
	Remove(ctx context.Context, path string) error
}

// Source yields content elements lazily. A yielded error ends the source.
type Source interface {
	Alias() string
	Elements(ctx context.Context) iter.Seq2[Element, error]
}

// Handler resolves a task to a Result or declines it.
type Handler interface {
	Name() string
	Order() int
	Handle(ctx context.Context, task Task, rep Reporter) (Result, error)
}

// Reporter is the write-only progress channel exposed to the UI.
type Reporter interface {
	SetStatus(status string)
	SetPercent(percent int)
	SetFile(file string)
	SetHandler(name string)
}

// Hasher computes a digest over a stream.
type Hasher interface {
	HashReader(r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces album keys and run ids.
type IDGenerator interface {
	NewID() (string, error)
}
