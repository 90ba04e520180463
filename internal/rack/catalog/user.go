package catalog

import (
	"fmt"
	"strings"
	"time"
)

// ConflictPolicy decides what happens when a local entry changed more
// recently than the remote snapshot being downloaded.
type ConflictPolicy string

const (
	// PolicyKeepRemote overwrites the local entry with the remote one.
	PolicyKeepRemote ConflictPolicy = "keep_remote"
	// PolicyIgnoreAndContinue keeps the local entry and moves on.
	PolicyIgnoreAndContinue ConflictPolicy = "ignore_and_continue"
	// PolicyFailOnConflict aborts the pass.
	PolicyFailOnConflict ConflictPolicy = "fail_on_conflict"
)

// DefaultPolicy is used for users that never chose one.
const DefaultPolicy = PolicyKeepRemote

// Policies lists every known policy in display order.
var Policies = []ConflictPolicy{PolicyKeepRemote, PolicyIgnoreAndContinue, PolicyFailOnConflict}

// IsValid reports whether p is a known policy.
func (p ConflictPolicy) IsValid() bool {
	switch p {
	case PolicyKeepRemote, PolicyIgnoreAndContinue, PolicyFailOnConflict:
		return true
	}
	return false
}

// ParseConflictPolicy parses a policy name. Dashes and case are ignored, so
// "Keep-Remote" and "keep_remote" are equivalent.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	p := ConflictPolicy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown conflict policy %q (want one of %s, %s, %s)",
			s, PolicyKeepRemote, PolicyIgnoreAndContinue, PolicyFailOnConflict)
	}
	return p, nil
}

// SyncBookmark records how far one machine has synchronized.
type SyncBookmark struct {
	Machine string `json:"pc_name"`

	// LastDownSync is the remote change marker of the last downloaded
	// record, not a reading of this machine's clock.
	LastDownSync time.Time `json:"last_down_sync"`

	// LastUpSync is when the last upload finished, on this machine's clock.
	LastUpSync time.Time `json:"last_up_sync"`
}

// IsZero reports whether the bookmark has never been advanced.
func (b SyncBookmark) IsZero() bool {
	return b.LastDownSync.IsZero() && b.LastUpSync.IsZero()
}

// UserSettings holds the per-user sync preferences.
type UserSettings struct {
	ConflictPolicy ConflictPolicy `json:"conflict_protocol"`
	SyncInfo       []SyncBookmark `json:"sync_info,omitempty"`
	WatchDirs      []string       `json:"watch_dir,omitempty"`
}

// UserInfo is a catalog user.
type UserInfo struct {
	Username string       `json:"username"`
	Settings UserSettings `json:"settings"`
}

// Policy returns the user's conflict policy, falling back to DefaultPolicy.
func (u *UserInfo) Policy() ConflictPolicy {
	if u.Settings.ConflictPolicy.IsValid() {
		return u.Settings.ConflictPolicy
	}
	return DefaultPolicy
}

// SelectBookmark returns the bookmark recorded for machine. A machine that has
// no bookmark gets the zero value, which requests a full resync.
func SelectBookmark(bookmarks []SyncBookmark, machine string) SyncBookmark {
	for _, b := range bookmarks {
		if b.Machine == machine {
			return b
		}
	}
	return SyncBookmark{Machine: machine}
}

// PutBookmark replaces the bookmark for b.Machine or appends it.
func PutBookmark(bookmarks []SyncBookmark, b SyncBookmark) []SyncBookmark {
	for i := range bookmarks {
		if bookmarks[i].Machine == b.Machine {
			out := append([]SyncBookmark(nil), bookmarks...)
			out[i] = b
			return out
		}
	}
	return append(append([]SyncBookmark(nil), bookmarks...), b)
}
