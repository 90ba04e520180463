// Package session resolves the current catalog user and persists their sync
// settings (conflict policy, per-machine bookmarks and watch directories).
//
// Users live in the users table of the local catalog database; settings are
// stored as a JSON document so new preferences don't need a migration.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mediarack/rack/internal/rack/catalog"
)

// ErrNoUser is returned when no user name is configured.
var ErrNoUser = errors.New("no user configured (set user.name)")

// Service serves the settings of one user on one machine.
type Service struct {
	db       *sql.DB
	username string
	machine  string

	// Serializes read-modify-write of the settings document.
	mu sync.Mutex
}

// New returns a session for username on machine. An empty machine name
// falls back to the host name.
func New(db *sql.DB, username, machine string) (*Service, error) {
	if username == "" {
		return nil, ErrNoUser
	}
	if machine == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve machine name: %w", err)
		}
		machine = host
	}
	return &Service{db: db, username: username, machine: machine}, nil
}

// Machine returns the name this machine's bookmark is recorded under.
func (s *Service) Machine() string {
	return s.machine
}

// Username returns the session's user name.
func (s *Service) Username() string {
	return s.username
}

// CurrentUser loads the user and their settings. A user without a stored
// row gets default settings.
func (s *Service) CurrentUser(ctx context.Context) (*catalog.UserInfo, error) {
	settings, err := s.load(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return &catalog.UserInfo{Username: s.username, Settings: settings}, nil
}

// EnsureUser creates the user row with default settings if it is missing.
func (s *Service) EnsureUser(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (username, settings) VALUES (?, ?)`,
		s.username, `{"conflict_protocol":"`+string(catalog.DefaultPolicy)+`"}`)
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", s.username, err)
	}
	return nil
}

// SetPolicy stores the user's conflict policy. It takes effect on the next pass.
func (s *Service) SetPolicy(ctx context.Context, p catalog.ConflictPolicy) error {
	if !p.IsValid() {
		return fmt.Errorf("invalid conflict policy %q", p)
	}
	return s.update(ctx, func(st *catalog.UserSettings) {
		st.ConflictPolicy = p
	})
}

// SetWatchDirs replaces the user's watch directories.
func (s *Service) SetWatchDirs(ctx context.Context, dirs []string) error {
	return s.update(ctx, func(st *catalog.UserSettings) {
		st.WatchDirs = append([]string(nil), dirs...)
	})
}

// SaveBookmark records b for its machine, replacing any previous bookmark.
func (s *Service) SaveBookmark(ctx context.Context, b catalog.SyncBookmark) error {
	if b.Machine == "" {
		b.Machine = s.machine
	}
	return s.update(ctx, func(st *catalog.UserSettings) {
		st.SyncInfo = catalog.PutBookmark(st.SyncInfo, b)
	})
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Service) load(ctx context.Context, q querier) (catalog.UserSettings, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT settings FROM users WHERE username = ?`, s.username).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.UserSettings{ConflictPolicy: catalog.DefaultPolicy}, nil
	}
	if err != nil {
		return catalog.UserSettings{}, fmt.Errorf("failed to load user %s: %w", s.username, err)
	}

	var settings catalog.UserSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return catalog.UserSettings{}, fmt.Errorf("user %s has corrupt settings: %w", s.username, err)
	}
	return settings, nil
}

func (s *Service) update(ctx context.Context, fn func(*catalog.UserSettings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settings update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	settings, err := s.load(ctx, tx)
	if err != nil {
		return err
	}
	fn(&settings)

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (username, settings) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET settings = excluded.settings`,
		s.username, string(data)); err != nil {
		return fmt.Errorf("failed to save settings for %s: %w", s.username, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settings: %w", err)
	}
	return nil
}
