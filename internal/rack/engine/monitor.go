package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// rescheduler is the part of the Scheduler the monitor drives.
type rescheduler interface {
	RescheduleIf(interval time.Duration, ok func() bool) bool
}

// Monitor tracks remote reachability and runs connection recovery.
//
// Recovery is in progress exactly while the activity is ConnectionLost.
// The monitor never moves the synchronizer out of Paused or Error.
type Monitor struct {
	remote  RemoteStore
	state   *State
	sched   rescheduler
	normal  time.Duration
	recheck time.Duration
	timeout time.Duration
	logger  *slog.Logger

	// Serializes Recheck so concurrent callers see one transition.
	mu sync.Mutex
}

// Probe reports whether the remote catalog is reachable, bounded by the
// remote timeout.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	return m.remote.IsReachable(ctx)
}

// Recheck probes the remote and updates the state.
//
// Reachable while ConnectionLost: reconnect, move to Idle and restore the
// normal interval. Unreachable from Idle or Running: move to ConnectionLost
// and switch to the recheck interval. Unreachable while already
// ConnectionLost: nothing happens.
func (m *Monitor) Recheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Probe(ctx) {
		m.markLost()
		return false
	}

	if m.state.Activity() != ConnectionLost {
		return true
	}

	cctx, cancel := withTimeout(ctx, m.timeout)
	err := m.remote.Connect(cctx)
	cancel()
	if err != nil {
		m.logger.Debug("reconnect failed", "error", err)
		return false
	}

	if m.state.CompareAndSwap(ConnectionLost, Idle) {
		m.logger.Info("connection restored", "interval", m.normal)
		m.reschedule(m.normal)
	}
	return true
}

// markLost enters ConnectionLost from Idle or Running.
func (m *Monitor) markLost() {
	prev, ok := m.state.SwapFrom(ConnectionLost, Idle, Running)
	if !ok {
		return
	}
	m.logger.Warn("remote catalog unreachable", "was", prev, "recheck", m.recheck)
	m.reschedule(m.recheck)
}

// reschedule switches the timer interval unless a Pause has stopped it
// since the transition.
func (m *Monitor) reschedule(interval time.Duration) {
	m.sched.RescheduleIf(interval, func() bool {
		return m.state.Activity() != Paused
	})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
