// Package sqlite implements the archive record store on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/whynot-archive/whynot/internal/archive"
)

// dbFileName is the database file inside the whynot.db directory.
const dbFileName = "records.db"

// RecordStore persists archive records and failure rows.
type RecordStore struct {
	db     *sql.DB
	dbPath string
}

// Options configures how the store is opened.
type Options struct {
	// CreateIfNotExists creates the directory and database file. The
	// web command opens with this disabled so a missing archive is a
	// startup error rather than an empty mirror.
	CreateIfNotExists bool
}

// Open opens or creates the record store inside dbDir.
func Open(dbDir string, opts Options) (*RecordStore, error) {
	dbPath := filepath.Join(dbDir, dbFileName)

	if opts.CreateIfNotExists {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	} else if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found at %s: %w", dbPath, err)
	}

	mode := "rw"
	if opts.CreateIfNotExists {
		mode = "rwc"
	}
	db, err := sql.Open("sqlite", dbPath+"?mode="+mode)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &RecordStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

func (s *RecordStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		url TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		storage_ref TEXT NOT NULL,
		content_type TEXT NOT NULL,
		http_status INTEGER NOT NULL,
		size INTEGER NOT NULL,
		fetched_at TEXT NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		last_modified TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_records_kind_fetched ON records(kind, fetched_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_hash ON records(content_hash);

	CREATE TABLE IF NOT EXISTS failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL,
		http_status INTEGER NOT NULL DEFAULT 0,
		failed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_failures_url ON failures(url);

	-- Off-site references discovered during parsing; kept for
	-- diagnostics, never fetched.
	CREATE TABLE IF NOT EXISTS outlinks (
		url TEXT NOT NULL,
		parent TEXT NOT NULL,
		PRIMARY KEY (url, parent)
	);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// PutRecord upserts one record. The single INSERT .. ON CONFLICT
// statement is atomic with respect to concurrent readers.
func (s *RecordStore) PutRecord(ctx context.Context, rec archive.Record) error {
	query := `
	INSERT INTO records (url, kind, title, content_hash, storage_ref, content_type, http_status, size, fetched_at, etag, last_modified)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET
		kind = excluded.kind,
		title = excluded.title,
		content_hash = excluded.content_hash,
		storage_ref = excluded.storage_ref,
		content_type = excluded.content_type,
		http_status = excluded.http_status,
		size = excluded.size,
		fetched_at = excluded.fetched_at,
		etag = excluded.etag,
		last_modified = excluded.last_modified
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.URL,
		string(rec.Kind),
		rec.Title,
		rec.ContentHash,
		rec.StorageRef,
		rec.ContentType,
		rec.HTTPStatus,
		rec.Size,
		rec.FetchedAt.UTC().Format(time.RFC3339Nano),
		rec.ETag,
		rec.LastModified,
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// GetRecord returns the record for a normalized URL, or
// archive.ErrNotFound.
func (s *RecordStore) GetRecord(ctx context.Context, url string) (archive.Record, error) {
	query := `
	SELECT url, kind, title, content_hash, storage_ref, content_type, http_status, size, fetched_at, etag, last_modified
	FROM records WHERE url = ?
	`
	var (
		rec       archive.Record
		kind      string
		fetchedAt string
	)
	err := s.db.QueryRowContext(ctx, query, url).Scan(
		&rec.URL,
		&kind,
		&rec.Title,
		&rec.ContentHash,
		&rec.StorageRef,
		&rec.ContentType,
		&rec.HTTPStatus,
		&rec.Size,
		&fetchedAt,
		&rec.ETag,
		&rec.LastModified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Record{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.Record{}, fmt.Errorf("get record: %w", err)
	}
	rec.Kind = archive.Kind(kind)
	rec.FetchedAt = parseTimestamp(fetchedAt)
	return rec, nil
}

// GetRecordByHash returns any record whose content hash matches. Blob
// requests arrive by hash, and one stored blob may back several URLs;
// any of their records carries the right content type.
func (s *RecordStore) GetRecordByHash(ctx context.Context, hash string) (archive.Record, error) {
	query := `
	SELECT url, kind, title, content_hash, storage_ref, content_type, http_status, size, fetched_at, etag, last_modified
	FROM records WHERE content_hash = ? LIMIT 1
	`
	var (
		rec       archive.Record
		kind      string
		fetchedAt string
	)
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&rec.URL,
		&kind,
		&rec.Title,
		&rec.ContentHash,
		&rec.StorageRef,
		&rec.ContentType,
		&rec.HTTPStatus,
		&rec.Size,
		&fetchedAt,
		&rec.ETag,
		&rec.LastModified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Record{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.Record{}, fmt.Errorf("get record by hash: %w", err)
	}
	rec.Kind = archive.Kind(kind)
	rec.FetchedAt = parseTimestamp(fetchedAt)
	return rec, nil
}

// CountRecords returns the number of records of one kind. A zero kind
// counts everything.
func (s *RecordStore) CountRecords(ctx context.Context, kind archive.Kind) (int, error) {
	query := "SELECT COUNT(*) FROM records"
	args := make([]any, 0, 1)
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// ListRecords returns records of one kind, newest first. A zero kind
// lists everything.
func (s *RecordStore) ListRecords(ctx context.Context, kind archive.Kind, limit, offset int) ([]archive.Record, error) {
	query := `
	SELECT url, kind, title, content_hash, storage_ref, content_type, http_status, size, fetched_at, etag, last_modified
	FROM records
	`
	args := make([]any, 0, 3)
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY fetched_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []archive.Record
	for rows.Next() {
		var (
			rec       archive.Record
			k         string
			fetchedAt string
		)
		if err := rows.Scan(
			&rec.URL, &k, &rec.Title, &rec.ContentHash, &rec.StorageRef, &rec.ContentType,
			&rec.HTTPStatus, &rec.Size, &fetchedAt, &rec.ETag, &rec.LastModified,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = archive.Kind(k)
		rec.FetchedAt = parseTimestamp(fetchedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListRecordsByPrefix returns records of one kind whose URL starts with
// prefix, newest first. Section pages without a stored body list their
// articles through this.
func (s *RecordStore) ListRecordsByPrefix(ctx context.Context, prefix string, kind archive.Kind, limit, offset int) ([]archive.Record, error) {
	query := `
	SELECT url, kind, title, content_hash, storage_ref, content_type, http_status, size, fetched_at, etag, last_modified
	FROM records WHERE url LIKE ? ESCAPE '\'
	`
	args := []any{escapeLike(prefix) + "%"}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY fetched_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records by prefix: %w", err)
	}
	defer rows.Close()

	var records []archive.Record
	for rows.Next() {
		var (
			rec       archive.Record
			k         string
			fetchedAt string
		)
		if err := rows.Scan(
			&rec.URL, &k, &rec.Title, &rec.ContentHash, &rec.StorageRef, &rec.ContentType,
			&rec.HTTPStatus, &rec.Size, &fetchedAt, &rec.ETag, &rec.LastModified,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = archive.Kind(k)
		rec.FetchedAt = parseTimestamp(fetchedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountRecordsByPrefix returns the number of records of one kind whose
// URL starts with prefix.
func (s *RecordStore) CountRecordsByPrefix(ctx context.Context, prefix string, kind archive.Kind) (int, error) {
	query := `SELECT COUNT(*) FROM records WHERE url LIKE ? ESCAPE '\'`
	args := []any{escapeLike(prefix) + "%"}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records by prefix: %w", err)
	}
	return n, nil
}

// escapeLike escapes LIKE wildcards so URL prefixes match literally;
// percent-encoded URLs contain '%'.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// PutFailure appends a permanent failure row.
func (s *RecordStore) PutFailure(ctx context.Context, failure archive.Failure) error {
	query := `
	INSERT INTO failures (url, kind, reason, http_status, failed_at)
	VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		failure.URL,
		string(failure.Kind),
		failure.Reason,
		failure.HTTPStatus,
		failure.FailedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// ListFailures returns recorded failures, newest first.
func (s *RecordStore) ListFailures(ctx context.Context, limit int) ([]archive.Failure, error) {
	query := `
	SELECT url, kind, reason, http_status, failed_at
	FROM failures ORDER BY failed_at DESC LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var failures []archive.Failure
	for rows.Next() {
		var (
			f        archive.Failure
			kind     string
			failedAt string
		)
		if err := rows.Scan(&f.URL, &kind, &f.Reason, &f.HTTPStatus, &failedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Kind = archive.Kind(kind)
		f.FailedAt = parseTimestamp(failedAt)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// PutOutLink records an off-site reference. Duplicates are ignored.
func (s *RecordStore) PutOutLink(ctx context.Context, url, parent string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outlinks (url, parent) VALUES (?, ?)`, url, parent)
	if err != nil {
		return fmt.Errorf("insert outlink: %w", err)
	}
	return nil
}

// timestampFormats covers the formats SQLite may hand back depending on
// how the value was written.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
