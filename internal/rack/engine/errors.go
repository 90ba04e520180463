package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mediarack/rack/internal/rack/catalog"
)

// Errors returned by the synchronizer.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, engine.ErrRemoteUnreachable) {
//	    // the monitor has taken over, nothing to do
//	}
var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("sync conflict")

	// ErrRemoteUnreachable is returned by a pass that found the remote
	// catalog offline. The synchronizer is in ConnectionLost afterwards.
	ErrRemoteUnreachable = errors.New("remote catalog unreachable")

	// ErrPassInProgress is returned when another pass holds the engine.
	ErrPassInProgress = errors.New("sync pass already in progress")

	// ErrNotIdle is returned when a pass is requested outside Idle.
	ErrNotIdle = errors.New("synchronizer is not idle")

	// ErrNotPaused is returned by Resume outside Paused.
	ErrNotPaused = errors.New("synchronizer is not paused")

	// ErrNotInError is returned by Reset outside Error.
	ErrNotInError = errors.New("synchronizer is not in error")

	// ErrShutdown is returned by control calls after Shutdown.
	ErrShutdown = errors.New("synchronizer is shut down")
)

// ConflictError reports a local entry that is newer than its remote copy
// under the fail_on_conflict policy.
type ConflictError struct {
	LocalID  int64
	RemoteID string
	Policy   catalog.ConflictPolicy
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict: local entry %d is newer than remote %s (policy %s)",
		e.LocalID, e.RemoteID, e.Policy)
}

// Unwrap lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// IsConflict returns true if err is or wraps a conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsFatal returns true if err ends a pass in Error. Connectivity loss,
// cancellation and refused pass requests are not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrRemoteUnreachable),
		errors.Is(err, ErrPassInProgress),
		errors.Is(err, ErrNotIdle),
		errors.Is(err, ErrShutdown),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
