// Package remote implements the shared media catalog that every machine
// synchronizes against.
//
// The catalog is a plain SQL table keyed by remote id. Any database/sql
// driver registered under the given name can back it: a libSQL/Turso
// endpoint in production, a local SQLite file in tests and single-host
// setups.
//
// Every write stamps the row with a change marker taken from a clock kept
// in the catalog itself. The clock never goes backwards, whatever the
// writers' own clocks say, so a reader that remembers the highest marker it
// has seen never misses a later write.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mediarack/rack/internal/rack/catalog"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a remote catalog reachable through database/sql.
type Store struct {
	conn    *sql.DB
	dsn     string
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout bounds every remote call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithClock replaces the wall clock used to seed change markers.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open prepares a store for the given driver and data source name. No
// connection is made until the first call; the catalog may be offline.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote catalog: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxIdleTime(time.Minute)

	s := &Store{conn: conn, dsn: dsn, timeout: 30 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DriverFor picks the database/sql driver for a remote URL. libsql:// and
// http(s):// endpoints use the libSQL driver; anything else is treated as a
// SQLite file path.
func DriverFor(url string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "libsql://"),
		strings.HasPrefix(url, "https://"),
		strings.HasPrefix(url, "http://"):
		return "libsql", url
	case strings.HasPrefix(url, "file:"):
		return "sqlite3", url
	default:
		return "sqlite3", "file:" + url
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// IsReachable reports whether the remote catalog answers a ping in time.
func (s *Store) IsReachable(ctx context.Context) bool {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.conn.PingContext(ctx) == nil
}

// Connect (re)establishes the session and makes sure the schema exists.
func (s *Store) Connect(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach remote catalog: %w", err)
	}
	return s.InitSchema(ctx)
}

// InitSchema creates the remote tables if they don't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS media_entries (
		remote_id TEXT PRIMARY KEY,
		classification TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		changed_at INTEGER NOT NULL DEFAULT 0,
		watched INTEGER NOT NULL DEFAULT 0,
		watched_on TEXT,
		grade INTEGER NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT '',
		favorite INTEGER NOT NULL DEFAULT 0,
		bookmark TEXT NOT NULL DEFAULT '',
		image_cache_id TEXT NOT NULL DEFAULT '',
		id_info TEXT,
		composition_info TEXT,
		file_info TEXT
	)`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_remote_changed_at ON media_entries(changed_at)`,
		`CREATE TABLE IF NOT EXISTS sync_clock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO sync_clock (id, last) VALUES (1, 0)`,
	} {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize remote schema: %w", err)
		}
	}
	return nil
}

// nextMarker advances the catalog clock inside tx and returns the new
// value: the writer's wall clock, or one past the last marker when that is
// later.
func (s *Store) nextMarker(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_clock SET last = MAX(last + 1, ?) WHERE id = 1`, s.now().UnixNano()); err != nil {
		return 0, fmt.Errorf("failed to advance change clock: %w", err)
	}
	var marker int64
	if err := tx.QueryRowContext(ctx, `SELECT last FROM sync_clock WHERE id = 1`).Scan(&marker); err != nil {
		return 0, fmt.Errorf("failed to read change clock: %w", err)
	}
	return marker, nil
}

// markerOf converts a bookmark to a change marker. The zero time is before
// every marker.
func markerOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func markerTime(m int64) time.Time {
	return time.Unix(0, m).UTC()
}

const remoteColumns = `remote_id, classification, timestamp, changed_at, watched, watched_on,
	grade, comment, favorite, bookmark, image_cache_id,
	id_info, composition_info, file_info`

// FetchChangedSince returns the entries written to the catalog after the
// change marker since, in write order. A zero since returns everything.
// Each entry's ChangedAt carries its marker.
//
// The query runs before FetchChangedSince returns; rows are decoded lazily.
// A row that fails to decode is yielded as an error and iteration continues
// with the next row.
func (s *Store) FetchChangedSince(ctx context.Context, since time.Time, kind catalog.RecordKind) (iter.Seq2[*catalog.MediaEntry, error], error) {
	if kind != catalog.KindMediaEntry {
		return nil, fmt.Errorf("fetch %q: %w", kind, catalog.ErrUnsupportedKind)
	}

	qctx, cancel := s.bound(ctx)
	rows, err := s.conn.QueryContext(qctx, `
		SELECT `+remoteColumns+`
		FROM media_entries
		WHERE changed_at > ?
		ORDER BY changed_at ASC, remote_id ASC`,
		markerOf(since))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to query remote changes: %w", err)
	}

	return func(yield func(*catalog.MediaEntry, error) bool) {
		defer cancel()
		defer rows.Close()

		for rows.Next() {
			entry, err := scanRemote(rows)
			if !yield(entry, err) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("error iterating remote changes: %w", err))
		}
	}, nil
}

// Get returns the entry stored under remoteID.
func (s *Store) Get(ctx context.Context, remoteID string) (*catalog.MediaEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+remoteColumns+` FROM media_entries WHERE remote_id = ?`, remoteID)
	entry, err := scanRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("remote id %s: %w", remoteID, ErrNotFound)
	}
	return entry, err
}

// ErrNotFound is returned by Get when no entry has the requested remote id.
var ErrNotFound = errors.New("remote entry not found")

// Push upserts entry and returns its remote id. Entries without one are
// assigned a fresh UUID. The entry's own timestamp is stored unchanged; the
// row gets a new change marker.
func (s *Store) Push(ctx context.Context, entry *catalog.MediaEntry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", fmt.Errorf("invalid entry: %w", err)
	}

	remoteID := entry.RemoteID
	if remoteID == "" {
		remoteID = uuid.NewString()
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin push: %w", err)
	}
	defer tx.Rollback()

	marker, err := s.nextMarker(ctx, tx)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO media_entries (`+remoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			classification = excluded.classification,
			timestamp = excluded.timestamp,
			changed_at = excluded.changed_at,
			watched = excluded.watched,
			watched_on = excluded.watched_on,
			grade = excluded.grade,
			comment = excluded.comment,
			favorite = excluded.favorite,
			bookmark = excluded.bookmark,
			image_cache_id = excluded.image_cache_id,
			id_info = excluded.id_info,
			composition_info = excluded.composition_info,
			file_info = excluded.file_info`,
		remoteID,
		string(entry.Classification),
		entry.Timestamp.UTC().Format(timeLayout),
		marker,
		entry.Watched,
		optTime(entry.WatchedOn),
		entry.Grade,
		entry.Comment,
		entry.Favorite,
		entry.Bookmark,
		entry.ImageCacheID,
		optRaw(entry.IDInfo),
		optRaw(entry.CompositionInfo),
		optRaw(entry.FileInfo),
	)
	if err != nil {
		return "", fmt.Errorf("failed to push entry %s: %w", entry, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit entry %s: %w", entry, err)
	}
	return remoteID, nil
}

// Delete removes the entry stored under remoteID. Deleting a missing entry
// is not an error.
func (s *Store) Delete(ctx context.Context, remoteID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM media_entries WHERE remote_id = ?`, remoteID); err != nil {
		return fmt.Errorf("failed to delete remote entry %s: %w", remoteID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRemote(row rowScanner) (*catalog.MediaEntry, error) {
	var (
		e                      catalog.MediaEntry
		class, ts              string
		changedAt              int64
		watchedOn              sql.NullString
		idInfo, compInfo, file sql.NullString
	)
	err := row.Scan(
		&e.RemoteID, &class, &ts, &changedAt, &e.Watched, &watchedOn,
		&e.Grade, &e.Comment, &e.Favorite, &e.Bookmark, &e.ImageCacheID,
		&idInfo, &compInfo, &file,
	)
	if err != nil {
		return nil, err
	}

	e.Classification = catalog.Classification(class)
	e.ChangedAt = markerTime(changedAt)
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("remote entry %s: bad timestamp %q: %w", e.RemoteID, ts, err)
	}
	if watchedOn.Valid {
		w, err := time.Parse(time.RFC3339Nano, watchedOn.String)
		if err != nil {
			return nil, fmt.Errorf("remote entry %s: bad watched_on %q: %w", e.RemoteID, watchedOn.String, err)
		}
		e.WatchedOn = &w
	}
	if idInfo.Valid {
		e.IDInfo = json.RawMessage(idInfo.String)
	}
	if compInfo.Valid {
		e.CompositionInfo = json.RawMessage(compInfo.String)
	}
	if file.Valid {
		e.FileInfo = json.RawMessage(file.String)
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("remote entry %s: %w", e.RemoteID, err)
	}
	return &e, nil
}

func optTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func optRaw(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}
