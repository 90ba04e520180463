package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncStatus is the local synchronization status of a media entry.
type SyncStatus string

const (
	// StatusNew marks an entry that is not present in the remote catalog.
	StatusNew SyncStatus = "NEW"
	// StatusSynced marks an entry whose local and remote copies agree.
	StatusSynced SyncStatus = "SYNCED"
	// StatusChanged marks an entry changed locally since the last upload.
	StatusChanged SyncStatus = "CHANGED"
	// StatusDeleted marks an entry scheduled for remote deletion.
	StatusDeleted SyncStatus = "DELETED"
)

// IsValid reports whether s is one of the known statuses.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusNew, StatusSynced, StatusChanged, StatusDeleted:
		return true
	}
	return false
}

// IsPending reports whether an entry with this status still has to be uploaded.
func (s SyncStatus) IsPending() bool {
	return s == StatusNew || s == StatusChanged || s == StatusDeleted
}

// Classification is the kind of media an entry describes.
type Classification string

const (
	ClassMovie       Classification = "movie"
	ClassSeries      Classification = "series"
	ClassEpisode     Classification = "episode"
	ClassDocumentary Classification = "documentary"
	ClassMusic       Classification = "music"
	ClassOther       Classification = "other"
)

// IsValid reports whether c is one of the known classifications.
func (c Classification) IsValid() bool {
	switch c {
	case ClassMovie, ClassSeries, ClassEpisode, ClassDocumentary, ClassMusic, ClassOther:
		return true
	}
	return false
}

// RecordKind selects the record family a remote fetch returns.
type RecordKind string

// KindMediaEntry is the only record kind exchanged by the synchronizer.
const KindMediaEntry RecordKind = "media_entry"

// ErrUnsupportedKind is returned by stores asked for a record kind they do not hold.
var ErrUnsupportedKind = errors.New("unsupported record kind")

// MediaEntry is a media catalog record.
type MediaEntry struct {
	// ===== Identity =====
	LocalID  int64  `json:"local_id,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`

	// ===== Sync bookkeeping =====
	Classification Classification `json:"classification"`
	Status         SyncStatus     `json:"status,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`

	// ChangedAt is the remote catalog's change marker, assigned on every
	// write to the remote. It is zero for entries read from the local store.
	ChangedAt time.Time `json:"changed_at,omitzero"`

	// ===== Viewer state =====
	Watched      bool       `json:"watched,omitempty"`
	WatchedOn    *time.Time `json:"watched_on,omitempty"`
	Grade        int        `json:"grade,omitempty"` // 0-10, 0 = ungraded
	Comment      string     `json:"comment,omitempty"`
	Favorite     bool       `json:"favorite,omitempty"`
	Bookmark     string     `json:"bookmark,omitempty"` // playback position
	ImageCacheID string     `json:"image_cache_id,omitempty"`

	// ===== Opaque metadata =====
	IDInfo          json.RawMessage `json:"id_info,omitempty"`
	CompositionInfo json.RawMessage `json:"composition_info,omitempty"`
	FileInfo        json.RawMessage `json:"file_info,omitempty"`
}

// Validate checks that the entry can be persisted.
func (e *MediaEntry) Validate() error {
	if !e.Classification.IsValid() {
		return fmt.Errorf("invalid classification %q", e.Classification)
	}
	if e.Status != "" && !e.Status.IsValid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if e.Grade < 0 || e.Grade > 10 {
		return fmt.Errorf("grade must be between 0 and 10 (got %d)", e.Grade)
	}
	for name, blob := range map[string]json.RawMessage{
		"id_info":          e.IDInfo,
		"composition_info": e.CompositionInfo,
		"file_info":        e.FileInfo,
	} {
		if len(blob) > 0 && !json.Valid(blob) {
			return fmt.Errorf("%s is not valid JSON", name)
		}
	}
	return nil
}

// HasRemoteID reports whether the entry has been assigned a remote identifier.
func (e *MediaEntry) HasRemoteID() bool {
	return e.RemoteID != ""
}

// Clone returns a deep copy of the entry.
func (e *MediaEntry) Clone() *MediaEntry {
	c := *e
	if e.WatchedOn != nil {
		w := *e.WatchedOn
		c.WatchedOn = &w
	}
	c.IDInfo = cloneRaw(e.IDInfo)
	c.CompositionInfo = cloneRaw(e.CompositionInfo)
	c.FileInfo = cloneRaw(e.FileInfo)
	return &c
}

// String returns a short human-readable identifier for logs.
func (e *MediaEntry) String() string {
	if e.RemoteID != "" {
		return fmt.Sprintf("%s#%d(%s)", e.Classification, e.LocalID, e.RemoteID)
	}
	return fmt.Sprintf("%s#%d", e.Classification, e.LocalID)
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
