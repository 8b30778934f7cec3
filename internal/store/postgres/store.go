// Package postgres implements the record store on a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/store/migrations"
)

const urlColumns = `id, post_id, file_id, address, processed, failed, failure_reason, album_id, album_order`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements harvest.RecordStore on Postgres.
type Store struct {
	pool pool
}

// Open connects, migrates the schema and returns the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(p); err != nil {
		p.Close()
		return nil, err
	}
	return &Store{pool: p}, nil
}

// Migrate applies pending migrations through a database/sql view of the pool.
func Migrate(p *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(p)
	defer db.Close()
	return migrations.Up(db, migrations.Postgres)
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Update runs fn in one transaction.
func (s *Store) Update(ctx context.Context, fn func(tx harvest.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(pgxTx pgx.Tx) error {
		return fn(&tx{ctx: ctx, tx: pgxTx})
	})
}

// PendingURLs lists unprocessed URLs, plus retryable failures when asked.
func (s *Store) PendingURLs(ctx context.Context, retryFailed bool) ([]harvest.URL, error) {
	query := `SELECT ` + urlColumns + ` FROM urls
		WHERE NOT processed OR ($1 AND failed AND position('404' in failure_reason) = 0)
		ORDER BY id`
	rows, err := s.pool.Query(ctx, query, retryFailed)
	if err != nil {
		return nil, fmt.Errorf("query pending urls: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowToStructByPos[harvest.URL])
	if err != nil {
		return nil, fmt.Errorf("collect pending urls: %w", err)
	}
	return urls, nil
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
		WHERE u.id = $1`
	var (
		task harvest.Task
		meta []byte
	)
	err := s.pool.QueryRow(ctx, query, urlID).Scan(
		&task.URL.ID, &task.URL.PostID, &task.URL.FileID, &task.URL.Address,
		&task.URL.Processed, &task.URL.Failed, &task.URL.FailureReason,
		&task.URL.AlbumID, &task.URL.AlbumOrder,
		&task.File.Path, &task.File.Downloaded,
		&task.Post.SourceID, &task.Post.SourceAlias, &task.Post.Author, &task.Post.Title,
		&task.Post.Community, &task.Post.CreatedAt, &meta,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
		WHERE f.downloaded AND h.id IS NULL
		ORDER BY f.id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query unhashed files: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.FileCandidate, error) {
		var c harvest.FileCandidate
		err := row.Scan(&c.File.ID, &c.File.Path, &c.File.Downloaded, &c.InAlbum)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect unhashed files: %w", err)
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
	args := []any{excludeFileID, full}
	conds := []string{"h.full_hash = $2"}
	for i, part := range parts {
		if part == "" {
			continue
		}
		args = append(args, part)
		conds = append(conds, fmt.Sprintf("h.part%d = $%d", i+1, len(args)))
	}
	query := `SELECT h.id, h.file_id, h.full_hash, h.part1, h.part2, h.part3, h.part4,
			f.path, f.downloaded,
			EXISTS (SELECT 1 FROM urls u WHERE u.file_id = f.id AND u.album_id <> ''),
			NOT EXISTS (SELECT 1 FROM urls u WHERE u.file_id = f.id AND NOT u.processed)
		FROM hashes h
		JOIN files f ON f.id = h.file_id
		WHERE h.file_id <> $1 AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY h.file_id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hash matches: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.HashMatch, error) {
		var m harvest.HashMatch
		err := row.Scan(
			&m.Hash.ID, &m.Hash.FileID, &m.Hash.Full,
			&m.Hash.Parts[0], &m.Hash.Parts[1], &m.Hash.Parts[2], &m.Hash.Parts[3],
			&m.File.Path, &m.File.Downloaded, &m.InAlbum, &m.Settled,
		)
		m.File.ID = m.Hash.FileID
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect hash matches: %w", err)
	}
	return out, nil
}

// Stats counts the stored records.
func (s *Store) Stats(ctx context.Context) (harvest.Stats, error) {
	query := `SELECT
		(SELECT COUNT(*) FROM posts),
		(SELECT COUNT(*) FROM urls),
		(SELECT COUNT(*) FROM urls WHERE NOT processed),
		(SELECT COUNT(*) FROM urls WHERE processed AND failed),
		(SELECT COUNT(*) FROM files),
		(SELECT COUNT(*) FROM files WHERE downloaded),
		(SELECT COUNT(*) FROM hashes),
		(SELECT COUNT(*) FROM urls WHERE album_order > 0)`
	var st harvest.Stats
	err := s.pool.QueryRow(ctx, query).Scan(
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
	tx  pgx.Tx
}

func (t *tx) PostBySourceID(sourceID string) (harvest.Post, error) {
	query := `SELECT id, source_id, source_alias, author, title, community, created_at, metadata
		FROM posts WHERE source_id = $1`
	var (
		p    harvest.Post
		meta []byte
	)
	err := t.tx.QueryRow(t.ctx, query, sourceID).Scan(
		&p.ID, &p.SourceID, &p.SourceAlias, &p.Author, &p.Title, &p.Community, &p.CreatedAt, &meta,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
	err = t.tx.QueryRow(t.ctx,
		`INSERT INTO posts (source_id, source_alias, author, title, community, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		post.SourceID, post.SourceAlias, post.Author, post.Title, post.Community, post.CreatedAt.UTC(), meta,
	).Scan(&post.ID)
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (t *tx) URLExists(postID int64, address string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(t.ctx,
		`SELECT EXISTS (SELECT 1 FROM urls WHERE post_id = $1 AND address = $2)`, postID, address,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check url: %w", err)
	}
	return exists, nil
}

func (t *tx) URLCount(postID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(t.ctx, `SELECT COUNT(*) FROM urls WHERE post_id = $1`, postID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count urls: %w", err)
	}
	return n, nil
}

func (t *tx) CreateURL(u *harvest.URL, f *harvest.File) error {
	err := t.tx.QueryRow(t.ctx,
		`INSERT INTO files (path, downloaded) VALUES ($1, $2) RETURNING id`, f.Path, f.Downloaded,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	u.FileID = f.ID
	err = t.tx.QueryRow(t.ctx,
		`INSERT INTO urls (post_id, file_id, address, processed, failed, failure_reason, album_id, album_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		u.PostID, u.FileID, u.Address, u.Processed, u.Failed, u.FailureReason, u.AlbumID, u.AlbumOrder,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("create url: %w", err)
	}
	return nil
}

func (t *tx) GetURL(id int64) (harvest.URL, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT `+urlColumns+` FROM urls WHERE id = $1`, id)
	if err != nil {
		return harvest.URL{}, fmt.Errorf("get url: %w", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[harvest.URL])
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.URL{}, fmt.Errorf("url %d: %w", id, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.URL{}, fmt.Errorf("get url: %w", err)
	}
	return u, nil
}

func (t *tx) MarkProcessed(urlID int64) error {
	return t.execOne("mark processed", urlID, `UPDATE urls SET processed = TRUE WHERE id = $1`, urlID)
}

func (t *tx) MarkFailed(urlID int64, reason string) error {
	return t.execOne("mark failed", urlID,
		`UPDATE urls SET failed = TRUE, failure_reason = $1 WHERE id = $2`, reason, urlID)
}

func (t *tx) ClearFailed(urlID int64) error {
	return t.execOne("clear failure", urlID,
		`UPDATE urls SET failed = FALSE, failure_reason = '' WHERE id = $1`, urlID)
}

func (t *tx) SetAlbum(urlID int64, albumID string) error {
	return t.execOne("set album", urlID, `UPDATE urls SET album_id = $1 WHERE id = $2`, albumID, urlID)
}

func (t *tx) MarkDownloaded(fileID int64, path string) error {
	return t.execOne("mark downloaded", fileID,
		`UPDATE files SET downloaded = TRUE, path = $1 WHERE id = $2`, path, fileID)
}

func (t *tx) MarkNotDownloaded(fileID int64) error {
	if err := t.execOne("mark not downloaded", fileID,
		`UPDATE files SET downloaded = FALSE WHERE id = $1`, fileID); err != nil {
		return err
	}
	if _, err := t.tx.Exec(t.ctx, `DELETE FROM hashes WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("drop hash: %w", err)
	}
	return nil
}

func (t *tx) PutHash(h *harvest.Hash) error {
	var downloaded bool
	err := t.tx.QueryRow(t.ctx, `SELECT downloaded FROM files WHERE id = $1`, h.FileID).Scan(&downloaded)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("put hash: file %d: %w", h.FileID, harvest.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("put hash: %w", err)
	}
	if !downloaded {
		return fmt.Errorf("put hash: file %d is not downloaded", h.FileID)
	}
	err = t.tx.QueryRow(t.ctx,
		`INSERT INTO hashes (file_id, full_hash, part1, part2, part3, part4)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (file_id) DO UPDATE SET
			full_hash = EXCLUDED.full_hash,
			part1 = EXCLUDED.part1, part2 = EXCLUDED.part2,
			part3 = EXCLUDED.part3, part4 = EXCLUDED.part4
		RETURNING id`,
		h.FileID, h.Full, h.Parts[0], h.Parts[1], h.Parts[2], h.Parts[3],
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("put hash: %w", err)
	}
	return nil
}

func (t *tx) RepointURLs(fromFileID, toFileID int64) (int64, error) {
	tag, err := t.tx.Exec(t.ctx, `UPDATE urls SET file_id = $1 WHERE file_id = $2`, toFileID, fromFileID)
	if err != nil {
		return 0, fmt.Errorf("repoint urls: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *tx) DeleteFile(fileID int64) error {
	return t.execOne("delete file", fileID, `DELETE FROM files WHERE id = $1`, fileID)
}

func (t *tx) URLsForFile(fileID int64) ([]harvest.URL, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT `+urlColumns+` FROM urls WHERE file_id = $1 ORDER BY id`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query file urls: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowToStructByPos[harvest.URL])
	if err != nil {
		return nil, fmt.Errorf("collect file urls: %w", err)
	}
	return urls, nil
}

func (t *tx) execOne(op string, id int64, query string, args ...any) error {
	tag, err := t.tx.Exec(t.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", op, id, harvest.ErrNotFound)
	}
	return nil
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

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
