// Package localdb provides the local media catalog stored in an embedded
// SQLite database.
//
// The database runs in embedded mode through the ncruces/go-sqlite3 driver
// with WAL enabled, so the daemon and one-shot CLI commands can read the
// catalog while a pass writes to it.
//
// Layout:
//   - media_entries: one row per catalog record, sync_status drives uploads
//   - users: per-user sync settings (JSON column), see package session
//
// Insert and Update set the sync status themselves (NEW and CHANGED). The
// sync engine never writes a status directly; it reports a successful upload
// through Acknowledge. Other catalog writers sharing the file (scanners,
// players, 'rack rm') delete through MarkDeleted.
package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mediarack/rack/internal/rack/catalog"
)

// ErrNotFound is returned by lookups by local id when no row matches.
var ErrNotFound = errors.New("media entry not found")

// DB wraps the SQLite connection holding the local catalog.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the catalog database at path.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS media_entries (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id TEXT UNIQUE,
		classification TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'NEW',
		timestamp TEXT NOT NULL,
		watched INTEGER NOT NULL DEFAULT 0,
		watched_on TEXT,
		grade INTEGER NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT '',
		favorite INTEGER NOT NULL DEFAULT 0,
		bookmark TEXT NOT NULL DEFAULT '',
		image_cache_id TEXT NOT NULL DEFAULT '',
		id_info TEXT,           -- JSON
		composition_info TEXT,  -- JSON
		file_info TEXT          -- JSON
	);

	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		settings TEXT NOT NULL DEFAULT '{}'  -- JSON
	);

	CREATE INDEX IF NOT EXISTS idx_media_status ON media_entries(sync_status);
	CREATE INDEX IF NOT EXISTS idx_media_timestamp ON media_entries(timestamp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const entryColumns = `local_id, remote_id, classification, sync_status, timestamp,
	watched, watched_on, grade, comment, favorite, bookmark, image_cache_id,
	id_info, composition_info, file_info`

// FindByRemoteID returns the entry with the given remote id, or nil when the
// remote entry has no local counterpart.
func (db *DB) FindByRemoteID(ctx context.Context, remoteID string) (*catalog.MediaEntry, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM media_entries WHERE remote_id = ?`, remoteID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry by remote id %s: %w", remoteID, err)
	}
	return entry, nil
}

// GetByLocalID returns the entry with the given local id.
func (db *DB) GetByLocalID(ctx context.Context, localID int64) (*catalog.MediaEntry, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM media_entries WHERE local_id = ?`, localID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("local id %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %d: %w", localID, err)
	}
	return entry, nil
}

// Insert stores a new entry with status NEW and sets entry.LocalID.
func (db *DB) Insert(ctx context.Context, entry *catalog.MediaEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}

	query := `
	INSERT INTO media_entries (
		remote_id, classification, sync_status, timestamp,
		watched, watched_on, grade, comment, favorite, bookmark, image_cache_id,
		id_info, composition_info, file_info
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.conn.ExecContext(ctx, query,
		nullString(entry.RemoteID),
		string(entry.Classification),
		string(catalog.StatusNew),
		formatTime(entry.Timestamp),
		entry.Watched,
		timeToNullString(entry.WatchedOn),
		entry.Grade,
		entry.Comment,
		entry.Favorite,
		entry.Bookmark,
		entry.ImageCacheID,
		rawToNullString(entry.IDInfo),
		rawToNullString(entry.CompositionInfo),
		rawToNullString(entry.FileInfo),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted id: %w", err)
	}

	entry.LocalID = id
	entry.Status = catalog.StatusNew
	return nil
}

// Update overwrites the entry identified by entry.LocalID and sets its status
// to CHANGED. A remote id already recorded locally is never replaced.
func (db *DB) Update(ctx context.Context, entry *catalog.MediaEntry) error {
	if entry.LocalID == 0 {
		return fmt.Errorf("update requires a local id")
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}

	query := `
	UPDATE media_entries SET
		remote_id = COALESCE(remote_id, ?),
		classification = ?,
		sync_status = ?,
		timestamp = ?,
		watched = ?,
		watched_on = ?,
		grade = ?,
		comment = ?,
		favorite = ?,
		bookmark = ?,
		image_cache_id = ?,
		id_info = ?,
		composition_info = ?,
		file_info = ?
	WHERE local_id = ?
	`

	res, err := db.conn.ExecContext(ctx, query,
		nullString(entry.RemoteID),
		string(entry.Classification),
		string(catalog.StatusChanged),
		formatTime(entry.Timestamp),
		entry.Watched,
		timeToNullString(entry.WatchedOn),
		entry.Grade,
		entry.Comment,
		entry.Favorite,
		entry.Bookmark,
		entry.ImageCacheID,
		rawToNullString(entry.IDInfo),
		rawToNullString(entry.CompositionInfo),
		rawToNullString(entry.FileInfo),
		entry.LocalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry %d: %w", entry.LocalID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("local id %d: %w", entry.LocalID, ErrNotFound)
	}

	entry.Status = catalog.StatusChanged
	return nil
}

// MarkDeleted turns the entry into a tombstone. The row is removed once the
// remote deletion has been acknowledged.
func (db *DB) MarkDeleted(ctx context.Context, localID int64) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE media_entries SET sync_status = ?, timestamp = ? WHERE local_id = ?`,
		string(catalog.StatusDeleted), formatTime(time.Now()), localID)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d deleted: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("local id %d: %w", localID, ErrNotFound)
	}
	return nil
}

// ListPending returns the entries the upload phase still has to push
// (NEW, CHANGED and DELETED), oldest change first.
func (db *DB) ListPending(ctx context.Context) ([]*catalog.MediaEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM media_entries
		WHERE sync_status IN (?, ?, ?)
		ORDER BY timestamp ASC, local_id ASC`,
		string(catalog.StatusNew), string(catalog.StatusChanged), string(catalog.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	var entries []*catalog.MediaEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending entries: %w", err)
	}
	return entries, nil
}

// Acknowledge records a successful upload of entry under remoteID.
//
// Tombstones are removed; other entries become SYNCED and receive remoteID
// unless they already had one. The row is left untouched when it changed
// again after entry was read, so the newer change is uploaded next pass.
func (db *DB) Acknowledge(ctx context.Context, entry *catalog.MediaEntry, remoteID string) error {
	ts := formatTime(entry.Timestamp)

	if entry.Status == catalog.StatusDeleted {
		_, err := db.conn.ExecContext(ctx,
			`DELETE FROM media_entries WHERE local_id = ? AND sync_status = ? AND timestamp = ?`,
			entry.LocalID, string(catalog.StatusDeleted), ts)
		if err != nil {
			return fmt.Errorf("failed to purge tombstone %d: %w", entry.LocalID, err)
		}
		return nil
	}

	_, err := db.conn.ExecContext(ctx, `
		UPDATE media_entries
		SET sync_status = ?, remote_id = COALESCE(remote_id, ?)
		WHERE local_id = ? AND timestamp = ? AND sync_status = ?`,
		string(catalog.StatusSynced), nullString(remoteID),
		entry.LocalID, ts, string(entry.Status))
	if err != nil {
		return fmt.Errorf("failed to acknowledge entry %d: %w", entry.LocalID, err)
	}
	return nil
}

// CountByStatus returns the number of entries per sync status.
func (db *DB) CountByStatus(ctx context.Context) (map[catalog.SyncStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM media_entries GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[catalog.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[catalog.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*catalog.MediaEntry, error) {
	var (
		e                      catalog.MediaEntry
		remoteID               sql.NullString
		class, status, ts      string
		watchedOn              sql.NullString
		idInfo, compInfo, file sql.NullString
	)

	err := row.Scan(
		&e.LocalID,
		&remoteID,
		&class,
		&status,
		&ts,
		&e.Watched,
		&watchedOn,
		&e.Grade,
		&e.Comment,
		&e.Favorite,
		&e.Bookmark,
		&e.ImageCacheID,
		&idInfo,
		&compInfo,
		&file,
	)
	if err != nil {
		return nil, err
	}

	e.RemoteID = remoteID.String
	e.Classification = catalog.Classification(class)
	e.Status = catalog.SyncStatus(status)

	if e.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("bad timestamp on entry %d: %w", e.LocalID, err)
	}
	if e.WatchedOn, err = nullStringToTime(watchedOn); err != nil {
		return nil, fmt.Errorf("bad watched_on on entry %d: %w", e.LocalID, err)
	}

	e.IDInfo = nullStringToRaw(idInfo)
	e.CompositionInfo = nullStringToRaw(compInfo)
	e.FileInfo = nullStringToRaw(file)

	return &e, nil
}

// timeLayout is fixed width so that text comparison in SQL orders timestamps
// chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func rawToNullString(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}

func nullStringToRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}
