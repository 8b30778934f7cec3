package harvest

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrArtifactNotFound is returned by artifact stores for missing objects.
var ErrArtifactNotFound = errors.New("artifact not found")

// URLState is the processing state derived from a URL's flags.
type URLState string

// Supported URL states.
const (
	StateUnprocessed URLState = "unprocessed"
	StateProcessed   URLState = "processed"
	StateFailed      URLState = "failed"
)

// Post is one content item yielded by a Source.
type Post struct {
	ID          int64
	SourceID    string
	SourceAlias string
	Author      string
	Title       string
	Community   string
	CreatedAt   time.Time
	Metadata    map[string]string
}

// URL is one resolvable address owned by a Post.
type URL struct {
	ID            int64
	PostID        int64
	FileID        int64
	Address       string
	Processed     bool
	Failed        bool
	FailureReason string
	// AlbumID groups album members; empty when the URL is not part of an album.
	AlbumID string
	// AlbumOrder is 0 outside an album and 1..N within one.
	AlbumOrder int
}

// State reports the processing state.
func (u URL) State() URLState {
	switch {
	case !u.Processed:
		return StateUnprocessed
	case u.Failed:
		return StateFailed
	default:
		return StateProcessed
	}
}

// File is the on-disk (or in-bucket) artifact targeted by a URL.
type File struct {
	ID int64
	// Path is relative to the artifact store root. It has no extension until
	// a handler downloads into it.
	Path       string
	Downloaded bool
}

// Hash is the content fingerprint of a downloaded File.
type Hash struct {
	ID     int64
	FileID int64
	Full   string
	Parts  [4]string
}

// Element is one item produced by a Source.
type Element struct {
	SourceID  string
	Author    string
	Title     string
	Community string
	CreatedAt time.Time
	URLs      []string
	Metadata  map[string]string
}

// Task is the unit handed to the handler chain.
type Task struct {
	URL  URL
	File File
	Post Post
}

// ResultKind tags a handler Result.
type ResultKind int

// Result kinds. The zero value is NotApplicable so an empty Result declines.
const (
	ResultNotApplicable ResultKind = iota
	ResultSuccess
	ResultFailure
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	default:
		return "not_applicable"
	}
}

// Result is the outcome of one handler invocation.
type Result struct {
	Kind    ResultKind
	Handler string
	// Path is the final relative path of a downloaded artifact.
	Path string
	// Reason is the human readable failure reason.
	Reason string
	// AlbumURLs lists extra addresses discovered behind an album URL.
	AlbumURLs []string
}

// Success reports a downloaded artifact at path.
func Success(handler, path string) Result {
	return Result{Kind: ResultSuccess, Handler: handler, Path: path}
}

// Album reports a URL that expands into several addresses.
func Album(handler string, urls []string) Result {
	return Result{Kind: ResultSuccess, Handler: handler, AlbumURLs: urls}
}

// Failure reports a terminal failure.
func Failure(handler, reason string) Result {
	return Result{Kind: ResultFailure, Handler: handler, Reason: reason}
}

// NotApplicable declines the task.
func NotApplicable() Result {
	return Result{}
}

// IsAlbum reports whether the result expands into album members.
func (r Result) IsAlbum() bool {
	return r.Kind == ResultSuccess && len(r.AlbumURLs) > 0
}

// AckPacket is sent by a worker once it is done with a URL.
type AckPacket struct {
	URLID     int64
	ExtraURLs []string
	// Abandoned marks a URL whose outcome could not be persisted. The loader
	// forgets it without touching the store.
	Abandoned bool
}

// FileCandidate is a downloaded File without a Hash.
type FileCandidate struct {
	File    File
	InAlbum bool
}

// HashMatch is an existing Hash that shares a partition or full value with a
// lookup, along with the state of the File that owns it.
type HashMatch struct {
	Hash    Hash
	File    File
	InAlbum bool
	// Settled is true when every URL pointing at the File is processed.
	Settled bool
}

// Stats summarizes store contents.
type Stats struct {
	Posts          int64 `json:"posts"`
	URLs           int64 `json:"urls"`
	Unprocessed    int64 `json:"unprocessed"`
	Failed         int64 `json:"failed"`
	Files          int64 `json:"files"`
	Downloaded     int64 `json:"downloaded"`
	Hashes         int64 `json:"hashes"`
	AlbumMemberURL int64 `json:"album_member_urls"`
}
