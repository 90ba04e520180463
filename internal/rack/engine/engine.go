package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mediarack/rack/internal/rack/catalog"
)

// Engine runs synchronization passes.
type Engine struct {
	state   *State
	monitor *Monitor
	remote  RemoteStore
	local   LocalStore
	session Session
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// Optional overrides for one-shot runs.
	policy catalog.ConflictPolicy
	since  *time.Time

	// passMu is held for the whole pass; entry uses TryLock.
	passMu sync.Mutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// RunPass performs one synchronization pass: download, then upload.
//
// It only starts from Idle and never overlaps with another pass. A remote
// that turns out to be unreachable moves the synchronizer to ConnectionLost
// and returns ErrRemoteUnreachable. A conflict or other fatal error moves it
// to Error. Per-record failures are logged, counted and skipped.
func (e *Engine) RunPass(ctx context.Context) (*PassResult, error) {
	if !e.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.passMu.Unlock()

	if e.state.Activity() != Idle {
		return nil, ErrNotIdle
	}

	if !e.monitor.Probe(ctx) {
		e.monitor.Recheck(ctx)
		return nil, ErrRemoteUnreachable
	}

	// The cancel func is published before leaving Idle so a Pause that
	// lands right after the swap still reaches this pass.
	passCtx, cancel := context.WithCancel(ctx)
	e.setCancel(cancel)
	defer func() {
		e.setCancel(nil)
		cancel()
	}()

	if !e.state.CompareAndSwap(Idle, Running) {
		return nil, ErrNotIdle
	}

	res := &PassResult{Started: e.now()}
	log := e.logger.With("pass", res.Started.Format(time.RFC3339))
	log.Info("sync pass started")

	e.state.SetDirection(Downloading)
	mark, err := e.download(passCtx, res, log)
	if err == nil {
		e.state.SetDirection(Uploading)
		err = e.upload(passCtx, res, log)
	}
	e.state.SetDirection(DirectionNone)
	res.Finished = e.now()

	switch {
	case err == nil:
		e.complete(ctx, res, mark, log)
		return res, nil

	case errors.Is(passCtx.Err(), context.Canceled):
		// Paused or shut down mid-pass: no error, no success.
		res.Outcome = OutcomeCancelled
		e.state.CompareAndSwap(Running, Idle)
		log.Info("sync pass cancelled", "fetched", res.Fetched)
		e.state.passCompleted(*res)
		return res, context.Canceled

	default:
		return res, e.fail(ctx, res, err, log)
	}
}

// complete ends a successful pass. mark is the remote change marker the
// next download starts after.
func (e *Engine) complete(ctx context.Context, res *PassResult, mark time.Time, log *slog.Logger) {
	res.Outcome = OutcomeOK
	e.state.SetLastSuccess(res.Finished)

	bookmark := catalog.SyncBookmark{
		Machine:      e.session.Machine(),
		LastDownSync: mark,
		LastUpSync:   res.Finished,
	}
	if err := e.session.SaveBookmark(ctx, bookmark); err != nil {
		// The next pass re-downloads from the old bookmark; equal
		// timestamps are skipped, so this only costs bandwidth.
		log.Warn("failed to save sync bookmark", "error", err)
	}

	e.state.CompareAndSwap(Running, Idle)
	log.Info("sync pass complete",
		"fetched", res.Fetched,
		"inserted", res.Inserted,
		"overwritten", res.Overwritten,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"pushed", res.Pushed,
		"push_failed", res.PushFailed,
		"duration", res.Duration())
	e.state.passCompleted(*res)
}

// fail ends a pass that hit a non per-record error.
func (e *Engine) fail(ctx context.Context, res *PassResult, err error, log *slog.Logger) error {
	res.Err = err.Error()

	if !IsConflict(err) && !e.monitor.Probe(ctx) {
		res.Outcome = OutcomeConnectionLost
		e.monitor.markLost()
		log.Warn("sync pass interrupted by connectivity loss", "error", err)
		e.state.passCompleted(*res)
		return fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	}

	res.Outcome = OutcomeError
	e.state.Fail(err)
	log.Error("sync pass failed", "error", err)
	e.state.passCompleted(*res)
	return err
}

// download applies the remote changes after the bookmark and returns the
// new bookmark: the change marker of the last record applied before the
// first record that failed, so failed records are fetched again next pass.
func (e *Engine) download(ctx context.Context, res *PassResult, log *slog.Logger) (time.Time, error) {
	user, err := e.session.CurrentUser(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load current user: %w", err)
	}

	policy := user.Policy()
	if e.policy != "" {
		policy = e.policy
	}
	res.Policy = policy

	mark := catalog.SelectBookmark(user.Settings.SyncInfo, e.session.Machine()).LastDownSync
	since := mark
	if e.since != nil {
		since = *e.since
	}
	held := false
	log.Debug("downloading", "since", since, "policy", policy)

	fetchCtx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	seq, err := e.remote.FetchChangedSince(fetchCtx, since, catalog.KindMediaEntry)
	if err != nil {
		return mark, fmt.Errorf("failed to fetch remote changes: %w", err)
	}

	for remote, err := range seq {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return mark, ctxErr
		}
		res.Fetched++

		if err != nil {
			log.Debug("skipping unreadable remote record", "error", err)
			res.Failed++
			held = true
			continue
		}

		if err := e.apply(ctx, remote, policy, res); err != nil {
			if IsConflict(err) {
				return mark, err
			}
			log.Debug("skipping remote record", "remote_id", remote.RemoteID, "error", err)
			res.Failed++
			held = true
			continue
		}
		if !held && remote.ChangedAt.After(mark) {
			mark = remote.ChangedAt
		}
	}

	if err := ctx.Err(); err != nil {
		return mark, err
	}
	if err := fetchCtx.Err(); err != nil {
		return mark, fmt.Errorf("remote fetch interrupted: %w", err)
	}
	if held {
		log.Warn("bookmark held before failed remote records", "failed", res.Failed, "bookmark", mark)
	}
	return mark, nil
}

func (e *Engine) apply(ctx context.Context, remote *catalog.MediaEntry, policy catalog.ConflictPolicy, res *PassResult) error {
	local, err := e.local.FindByRemoteID(ctx, remote.RemoteID)
	if err != nil {
		return err
	}

	switch Decide(local, remote, policy) {
	case ActionInsert:
		entry := remote.Clone()
		entry.LocalID = 0
		if err := e.local.Insert(ctx, entry); err != nil {
			return err
		}
		res.Inserted++

	case ActionOverwrite:
		entry := remote.Clone()
		entry.LocalID = local.LocalID
		if err := e.local.Update(ctx, entry); err != nil {
			return err
		}
		res.Overwritten++

	case ActionSkip:
		res.Skipped++

	case ActionConflict:
		return &ConflictError{LocalID: local.LocalID, RemoteID: remote.RemoteID, Policy: policy}
	}
	return nil
}

func (e *Engine) upload(ctx context.Context, res *PassResult, log *slog.Logger) error {
	pending, err := e.local.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending entries: %w", err)
	}
	log.Debug("uploading", "pending", len(pending))

	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.push(ctx, entry); err != nil {
			log.Debug("skipping local entry", "entry", entry.String(), "error", err)
			res.PushFailed++
			continue
		}
		res.Pushed++
	}
	return nil
}

func (e *Engine) push(ctx context.Context, entry *catalog.MediaEntry) error {
	rctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	if entry.Status == catalog.StatusDeleted {
		if entry.HasRemoteID() {
			if err := e.remote.Delete(rctx, entry.RemoteID); err != nil {
				return err
			}
		}
		return e.local.Acknowledge(ctx, entry, entry.RemoteID)
	}

	remoteID, err := e.remote.Push(rctx, entry)
	if err != nil {
		return err
	}
	return e.local.Acknowledge(ctx, entry, remoteID)
}

func (e *Engine) setCancel(cancel context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
}

// cancelPass cancels the in-flight pass, if any.
func (e *Engine) cancelPass() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}
