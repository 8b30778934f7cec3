// Package sqlite implements the record store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // driver

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/store/migrations"
)

const urlColumns = `id, post_id, file_id, address, processed, failed, failure_reason, album_id, album_order`

// Store implements harvest.RecordStore with database/sql.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database.sqlite.path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrations.Up(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Update runs fn in one database transaction.
func (s *Store) Update(ctx context.Context, fn func(tx harvest.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PendingURLs lists unprocessed URLs, plus retryable failures when asked.
func (s *Store) PendingURLs(ctx context.Context, retryFailed bool) ([]harvest.URL, error) {
	query := `SELECT ` + urlColumns + ` FROM urls
		WHERE processed = 0 OR (? AND failed = 1 AND instr(failure_reason, '404') = 0)
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, retryFailed)
	if err != nil {
		return nil, fmt.Errorf("query pending urls: %w", err)
	}
	return collectURLs(rows)
}

// Task loads the URL with its File and Post.
func (s *Store) Task(ctx context.Context, urlID int64) (harvest.Task, error) {
	query := `SELECT u.id, u.post_id, u.file_id, u.address, u.processed, u.failed, u.failure_reason,
			u.album_id, u.album_order,
			f.path, f.downloaded,
			p.source_id, p.source_alias, p.author, p.title, p.community, p.created_at, p.metadata
		FROM urls u
		JOIN files f ON f.id = u.file_id
		JOIN posts p ON p.id = u.post_id
		WHERE u.id = ?`
	var (
		task harvest.Task
		meta string
	)
	err := s.db.QueryRowContext(ctx, query, urlID).Scan(
		&task.URL.ID, &task.URL.PostID, &task.URL.FileID, &task.URL.Address,
		&task.URL.Processed, &task.URL.Failed, &task.URL.FailureReason,
		&task.URL.AlbumID, &task.URL.AlbumOrder,
		&task.File.Path, &task.File.Downloaded,
		&task.Post.SourceID, &task.Post.SourceAlias, &task.Post.Author, &task.Post.Title,
		&task.Post.Community, &task.Post.CreatedAt, &meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Task{}, fmt.Errorf("url %d: %w", urlID, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.Task{}, fmt.Errorf("load task: %w", err)
	}
	task.File.ID = task.URL.FileID
	task.Post.ID = task.URL.PostID
	if task.Post.Metadata, err = decodeMetadata(meta); err != nil {
		return harvest.Task{}, err
	}
	return task, nil
}

// UnhashedFiles lists downloaded files without a hash in id order.
func (s *Store) UnhashedFiles(ctx context.Context) ([]harvest.FileCandidate, error) {
	query := `SELECT f.id, f.path, f.downloaded,
			EXISTS (SELECT 1 FROM urls u WHERE u.file_id = f.id AND u.album_id <> '')
		FROM files f
		LEFT JOIN hashes h ON h.file_id = f.id
		WHERE f.downloaded = 1 AND h.id IS NULL
		ORDER BY f.id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query unhashed files: %w", err)
	}
	defer rows.Close()

	var out []harvest.FileCandidate
	for rows.Next() {
		var c harvest.FileCandidate
		if err := rows.Scan(&c.File.ID, &c.File.Path, &c.File.Downloaded, &c.InAlbum); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return out, nil
}

// MatchHashes returns hashes sharing the full value or any partition.
func (s *Store) MatchHashes(
	ctx context.Context,
	full string,
	parts [4]string,
	excludeFileID int64,
) ([]harvest.HashMatch, error) {
	conds := []string{"h.full_hash = ?"}
	args := []any{excludeFileID, full}
	for i, part := range parts {
		if part == "" {
			continue
		}
		conds = append(conds, fmt.Sprintf("h.part%d = ?", i+1))
		args = append(args, part)
	}
	query := `SELECT h.id, h.file_id, h.full_hash, h.part1, h.part2, h.part3, h.part4,
			f.path, f.downloaded,
			EXISTS (SELECT 1 FROM urls u WHERE u.file_id = f.id AND u.album_id <> ''),
			NOT EXISTS (SELECT 1 FROM urls u WHERE u.file_id = f.id AND u.processed = 0)
		FROM hashes h
		JOIN files f ON f.id = h.file_id
		WHERE h.file_id <> ? AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY h.file_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hash matches: %w", err)
	}
	defer rows.Close()

	var out []harvest.HashMatch
	for rows.Next() {
		var m harvest.HashMatch
		err := rows.Scan(
			&m.Hash.ID, &m.Hash.FileID, &m.Hash.Full,
			&m.Hash.Parts[0], &m.Hash.Parts[1], &m.Hash.Parts[2], &m.Hash.Parts[3],
			&m.File.Path, &m.File.Downloaded, &m.InAlbum, &m.Settled,
		)
		if err != nil {
			return nil, fmt.Errorf("scan hash row: %w", err)
		}
		m.File.ID = m.Hash.FileID
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hash rows: %w", err)
	}
	return out, nil
}

// Stats counts the stored records.
func (s *Store) Stats(ctx context.Context) (harvest.Stats, error) {
	query := `SELECT
		(SELECT COUNT(*) FROM posts),
		(SELECT COUNT(*) FROM urls),
		(SELECT COUNT(*) FROM urls WHERE processed = 0),
		(SELECT COUNT(*) FROM urls WHERE processed = 1 AND failed = 1),
		(SELECT COUNT(*) FROM files),
		(SELECT COUNT(*) FROM files WHERE downloaded = 1),
		(SELECT COUNT(*) FROM hashes),
		(SELECT COUNT(*) FROM urls WHERE album_order > 0)`
	var st harvest.Stats
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.Posts, &st.URLs, &st.Unprocessed, &st.Failed,
		&st.Files, &st.Downloaded, &st.Hashes, &st.AlbumMemberURL,
	)
	if err != nil {
		return harvest.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) PostBySourceID(sourceID string) (harvest.Post, error) {
	query := `SELECT id, source_id, source_alias, author, title, community, created_at, metadata
		FROM posts WHERE source_id = ?`
	var (
		p    harvest.Post
		meta string
	)
	err := t.tx.QueryRowContext(t.ctx, query, sourceID).Scan(
		&p.ID, &p.SourceID, &p.SourceAlias, &p.Author, &p.Title, &p.Community, &p.CreatedAt, &meta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Post{}, fmt.Errorf("post %q: %w", sourceID, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.Post{}, fmt.Errorf("get post: %w", err)
	}
	if p.Metadata, err = decodeMetadata(meta); err != nil {
		return harvest.Post{}, err
	}
	return p, nil
}

func (t *tx) CreatePost(post *harvest.Post) error {
	meta, err := encodeMetadata(post.Metadata)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO posts (source_id, source_alias, author, title, community, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		post.SourceID, post.SourceAlias, post.Author, post.Title, post.Community, post.CreatedAt.UTC(), meta,
	)
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	if post.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (t *tx) URLExists(postID int64, address string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT EXISTS (SELECT 1 FROM urls WHERE post_id = ? AND address = ?)`, postID, address,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check url: %w", err)
	}
	return exists, nil
}

func (t *tx) URLCount(postID int64) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM urls WHERE post_id = ?`, postID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count urls: %w", err)
	}
	return n, nil
}

func (t *tx) CreateURL(u *harvest.URL, f *harvest.File) error {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO files (path, downloaded) VALUES (?, ?)`, f.Path, f.Downloaded)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if f.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	u.FileID = f.ID
	res, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO urls (post_id, file_id, address, processed, failed, failure_reason, album_id, album_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.PostID, u.FileID, u.Address, u.Processed, u.Failed, u.FailureReason, u.AlbumID, u.AlbumOrder,
	)
	if err != nil {
		return fmt.Errorf("create url: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("create url: %w", err)
	}
	return nil
}

func (t *tx) GetURL(id int64) (harvest.URL, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+urlColumns+` FROM urls WHERE id = ?`, id)
	if err != nil {
		return harvest.URL{}, fmt.Errorf("get url: %w", err)
	}
	urls, err := collectURLs(rows)
	if err != nil {
		return harvest.URL{}, err
	}
	if len(urls) == 0 {
		return harvest.URL{}, fmt.Errorf("url %d: %w", id, harvest.ErrNotFound)
	}
	return urls[0], nil
}

func (t *tx) MarkProcessed(urlID int64) error {
	return t.execOne("mark processed", urlID, `UPDATE urls SET processed = 1 WHERE id = ?`, urlID)
}

func (t *tx) MarkFailed(urlID int64, reason string) error {
	return t.execOne("mark failed", urlID,
		`UPDATE urls SET failed = 1, failure_reason = ? WHERE id = ?`, reason, urlID)
}

func (t *tx) ClearFailed(urlID int64) error {
	return t.execOne("clear failure", urlID,
		`UPDATE urls SET failed = 0, failure_reason = '' WHERE id = ?`, urlID)
}

func (t *tx) SetAlbum(urlID int64, albumID string) error {
	return t.execOne("set album", urlID, `UPDATE urls SET album_id = ? WHERE id = ?`, albumID, urlID)
}

func (t *tx) MarkDownloaded(fileID int64, path string) error {
	return t.execOne("mark downloaded", fileID,
		`UPDATE files SET downloaded = 1, path = ? WHERE id = ?`, path, fileID)
}

func (t *tx) MarkNotDownloaded(fileID int64) error {
	if err := t.execOne("mark not downloaded", fileID,
		`UPDATE files SET downloaded = 0 WHERE id = ?`, fileID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM hashes WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("drop hash: %w", err)
	}
	return nil
}

func (t *tx) PutHash(h *harvest.Hash) error {
	var downloaded bool
	err := t.tx.QueryRowContext(t.ctx, `SELECT downloaded FROM files WHERE id = ?`, h.FileID).Scan(&downloaded)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("put hash: file %d: %w", h.FileID, harvest.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("put hash: %w", err)
	}
	if !downloaded {
		return fmt.Errorf("put hash: file %d is not downloaded", h.FileID)
	}
	err = t.tx.QueryRowContext(t.ctx,
		`INSERT INTO hashes (file_id, full_hash, part1, part2, part3, part4)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id) DO UPDATE SET
			full_hash = excluded.full_hash,
			part1 = excluded.part1, part2 = excluded.part2,
			part3 = excluded.part3, part4 = excluded.part4
		RETURNING id`,
		h.FileID, h.Full, h.Parts[0], h.Parts[1], h.Parts[2], h.Parts[3],
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("put hash: %w", err)
	}
	return nil
}

func (t *tx) RepointURLs(fromFileID, toFileID int64) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE urls SET file_id = ? WHERE file_id = ?`, toFileID, fromFileID)
	if err != nil {
		return 0, fmt.Errorf("repoint urls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repoint urls: %w", err)
	}
	return n, nil
}

func (t *tx) DeleteFile(fileID int64) error {
	return t.execOne("delete file", fileID, `DELETE FROM files WHERE id = ?`, fileID)
}

func (t *tx) URLsForFile(fileID int64) ([]harvest.URL, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+urlColumns+` FROM urls WHERE file_id = ? ORDER BY id`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query file urls: %w", err)
	}
	return collectURLs(rows)
}

// execOne runs a statement that must touch exactly one row.
func (t *tx) execOne(op string, id int64, query string, args ...any) error {
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, harvest.ErrNotFound)
	}
	return nil
}

func collectURLs(rows *sql.Rows) ([]harvest.URL, error) {
	defer rows.Close()
	var out []harvest.URL
	for rows.Next() {
		var u harvest.URL
		err := rows.Scan(&u.ID, &u.PostID, &u.FileID, &u.Address, &u.Processed, &u.Failed,
			&u.FailureReason, &u.AlbumID, &u.AlbumOrder)
		if err != nil {
			return nil, fmt.Errorf("scan url row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate url rows: %w", err)
	}
	return out, nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
