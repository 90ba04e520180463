package engine

import "github.com/mediarack/rack/internal/rack/catalog"

// Action is what the download phase does with one remote record.
type Action int

const (
	// ActionInsert stores the remote record as a new local entry.
	ActionInsert Action = iota
	// ActionOverwrite replaces the local entry with the remote record.
	ActionOverwrite
	// ActionSkip leaves the local entry alone.
	ActionSkip
	// ActionConflict aborts the pass.
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionOverwrite:
		return "overwrite"
	case ActionSkip:
		return "skip"
	case ActionConflict:
		return "conflict"
	}
	return "unknown"
}

// Decide resolves one remote record against its local counterpart.
//
// A record with no local counterpart is always inserted. When the local
// entry is newer the policy decides; when the remote one is newer it wins;
// equal timestamps mean the entry is already up to date.
func Decide(local, remote *catalog.MediaEntry, policy catalog.ConflictPolicy) Action {
	if local == nil {
		return ActionInsert
	}

	switch {
	case local.Timestamp.After(remote.Timestamp):
		switch policy {
		case catalog.PolicyIgnoreAndContinue:
			return ActionSkip
		case catalog.PolicyFailOnConflict:
			return ActionConflict
		default:
			return ActionOverwrite
		}
	case local.Timestamp.Before(remote.Timestamp):
		return ActionOverwrite
	default:
		return ActionSkip
	}
}
