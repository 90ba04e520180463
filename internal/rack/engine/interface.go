package engine

import (
	"context"
	"iter"
	"time"

	"github.com/mediarack/rack/internal/rack/catalog"
)

// RemoteStore is the shared catalog the engine synchronizes against.
//
// Implementations must be safe for concurrent use: the connectivity monitor
// may probe while a pass is fetching.
type RemoteStore interface {
	// IsReachable reports whether the remote catalog answers right now.
	//
	// It must not block past ctx's deadline; the engine bounds every probe
	// with the configured remote timeout.
	IsReachable(ctx context.Context) bool

	// Connect (re)establishes the session after connectivity was lost.
	//
	// A failed Connect is treated the same as an unreachable remote.
	Connect(ctx context.Context) error

	// FetchChangedSince returns the records of the given kind written to
	// the remote after the change marker since, in write order. Each record
	// carries its own marker in ChangedAt. Markers are assigned by the
	// remote and never go backwards.
	//
	// An error from FetchChangedSince itself aborts the pass. Errors yielded
	// by the iterator concern a single record: the engine logs, counts and
	// skips them.
	//
	// Example:
	//   seq, err := remote.FetchChangedSince(ctx, bookmark.LastDownSync, catalog.KindMediaEntry)
	//   for entry, err := range seq { ... }
	FetchChangedSince(ctx context.Context, since time.Time, kind catalog.RecordKind) (iter.Seq2[*catalog.MediaEntry, error], error)

	// Push upserts entry and returns the remote id it is stored under.
	// Entries without a remote id are assigned one.
	Push(ctx context.Context, entry *catalog.MediaEntry) (string, error)

	// Delete removes the remote entry. Deleting a missing entry returns nil.
	Delete(ctx context.Context, remoteID string) error
}

// LocalStore is the catalog kept on this machine.
//
// The store owns the sync status of its entries: Insert marks an entry NEW,
// Update marks it CHANGED and Acknowledge marks it SYNCED. The engine never
// writes a status directly.
type LocalStore interface {
	// FindByRemoteID returns the local counterpart of a remote entry, or
	// nil, nil when there is none.
	FindByRemoteID(ctx context.Context, remoteID string) (*catalog.MediaEntry, error)

	// Insert stores a new entry and assigns its local id.
	Insert(ctx context.Context, entry *catalog.MediaEntry) error

	// Update overwrites the entry identified by entry.LocalID. A remote id
	// already recorded locally must be kept.
	Update(ctx context.Context, entry *catalog.MediaEntry) error

	// ListPending returns the entries waiting for upload (NEW, CHANGED and
	// DELETED).
	ListPending(ctx context.Context) ([]*catalog.MediaEntry, error)

	// Acknowledge records that entry was uploaded under remoteID.
	Acknowledge(ctx context.Context, entry *catalog.MediaEntry, remoteID string) error
}

// Session resolves the user whose catalog is being synchronized.
type Session interface {
	// CurrentUser returns the user and their settings. It is called once
	// per pass, so policy changes apply from the next pass on.
	CurrentUser(ctx context.Context) (*catalog.UserInfo, error)

	// SaveBookmark persists this machine's sync bookmark.
	SaveBookmark(ctx context.Context, b catalog.SyncBookmark) error

	// Machine names the bookmark this machine reads and writes.
	Machine() string
}
