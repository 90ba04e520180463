package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler owns the single repeating sync timer.
//
// The timer lives inside Run; Start, Stop, Reschedule and Nudge only update
// guarded fields and wake the loop, so they are safe to call from anywhere,
// including from inside a tick.
type Scheduler struct {
	tick   func(ctx context.Context)
	logger *slog.Logger

	mu       sync.Mutex
	armed    bool
	interval time.Duration
	nudged   bool

	wake chan struct{}
}

// NewScheduler returns a stopped scheduler that calls tick on every firing.
func NewScheduler(tick func(ctx context.Context), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tick:   tick,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Start cancels any pending firing and arms the timer with interval.
func (s *Scheduler) Start(interval time.Duration) {
	s.mu.Lock()
	s.armed = interval > 0
	s.interval = interval
	s.mu.Unlock()
	s.signal()
}

// Stop halts firing. The interval is kept for Interval().
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.armed = false
	s.mu.Unlock()
	s.signal()
}

// Reschedule is Stop followed by Start(interval).
func (s *Scheduler) Reschedule(interval time.Duration) {
	s.Start(interval)
}

// RescheduleIf is Reschedule, done only when ok reports true. ok runs under
// the scheduler lock, so a Stop that follows the condition turning false
// can't be overtaken by this call. It reports whether the timer was
// rescheduled.
func (s *Scheduler) RescheduleIf(interval time.Duration, ok func() bool) bool {
	s.mu.Lock()
	if !ok() {
		s.mu.Unlock()
		return false
	}
	s.armed = interval > 0
	s.interval = interval
	s.mu.Unlock()
	s.signal()
	return true
}

// Nudge requests one immediate tick through the loop. Nudges that arrive
// before the loop gets to them coalesce.
func (s *Scheduler) Nudge() {
	s.mu.Lock()
	s.nudged = true
	s.mu.Unlock()
	s.signal()
}

// Interval returns the current timer interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Armed reports whether the timer is running.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick performs one dispatch synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

// Run drives the timer until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		armed, interval, nudged := s.armed, s.interval, s.nudged
		s.nudged = false
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		if nudged {
			s.logger.Debug("nudge")
			s.tick(ctx)
			continue
		}

		if armed {
			timer.Reset(interval)
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			// Timer settings changed; re-arm from scratch.
		case <-timer.C:
			s.tick(ctx)
		}
	}
}
