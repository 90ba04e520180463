package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mediarack/rack/internal/rack/catalog"
)

// Config holds configuration for the synchronizer.
type Config struct {
	// SyncInterval is the time between passes while connected.
	SyncInterval time.Duration

	// RecheckInterval is the time between reachability probes while the
	// connection is lost.
	RecheckInterval time.Duration

	// RemoteTimeout bounds every remote call.
	RemoteTimeout time.Duration

	// SyncOnStart runs a pass as soon as Run starts instead of waiting for
	// the first interval.
	SyncOnStart bool

	// Policy overrides the user's conflict policy when set.
	Policy catalog.ConflictPolicy

	// Since overrides the download bookmark when set.
	Since *time.Time

	// Logger for synchronizer activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:    120 * time.Second,
		RecheckInterval: 60 * time.Second,
		RemoteTimeout:   30 * time.Second,
		SyncOnStart:     true,
		Logger:          slog.Default(),
	}
}

// Synchronizer owns the sync state and its scheduling.
type Synchronizer struct {
	config  *Config
	state   *State
	monitor *Monitor
	sched   *Scheduler
	engine  *Engine
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	shutdownOnce sync.Once
}

// New creates a synchronizer in Idle. Call Run to start the timer loop, or
// RunOnce for a single pass.
func New(remote RemoteStore, local LocalStore, session Session, config *Config) *Synchronizer {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sync")

	s := &Synchronizer{
		config: config,
		state:  NewState(),
		logger: logger,
	}
	s.sched = NewScheduler(s.dispatch, logger)
	s.monitor = &Monitor{
		remote:  remote,
		state:   s.state,
		sched:   s.sched,
		normal:  config.SyncInterval,
		recheck: config.RecheckInterval,
		timeout: config.RemoteTimeout,
		logger:  logger,
	}
	s.engine = &Engine{
		state:   s.state,
		monitor: s.monitor,
		remote:  remote,
		local:   local,
		session: session,
		timeout: config.RemoteTimeout,
		logger:  logger,
		now:     time.Now,
		policy:  config.Policy,
		since:   config.Since,
	}
	return s
}

// dispatch is the scheduler tick: it acts on the current activity.
func (s *Synchronizer) dispatch(ctx context.Context) {
	switch a := s.state.Activity(); a {
	case Idle:
		// Pass outcomes are logged by the engine.
		_, err := s.engine.RunPass(ctx)
		if errors.Is(err, ErrPassInProgress) || errors.Is(err, ErrNotIdle) {
			s.logger.Debug("tick skipped", "reason", err)
		}
	case ConnectionLost:
		s.monitor.Recheck(ctx)
	default:
		s.logger.Debug("tick ignored", "activity", a)
	}
}

// Run arms the timer at the sync interval and drives it until ctx is
// cancelled or Shutdown is called.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("synchronizer already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("synchronizer started",
		"interval", s.config.SyncInterval,
		"recheck", s.config.RecheckInterval)

	s.sched.Start(s.config.SyncInterval)
	if s.config.SyncOnStart {
		s.sched.Nudge()
	}
	s.sched.Run(ctx)

	s.logger.Info("synchronizer stopped")
	return nil
}

// RunOnce performs a single pass immediately, outside the timer loop.
func (s *Synchronizer) RunOnce(ctx context.Context) (*PassResult, error) {
	if s.isStopped() {
		return nil, ErrShutdown
	}
	return s.engine.RunPass(ctx)
}

// Tick performs one scheduler dispatch synchronously.
func (s *Synchronizer) Tick(ctx context.Context) {
	s.sched.Tick(ctx)
}

// Nudge requests an immediate tick from the running loop.
func (s *Synchronizer) Nudge() {
	s.sched.Nudge()
}

// Pause stops the timer, cancels any in-flight pass and enters Paused.
// Pausing an already paused synchronizer does nothing.
func (s *Synchronizer) Pause() error {
	if s.isStopped() {
		return ErrShutdown
	}
	if prev, ok := s.state.SwapFrom(Paused, Idle, Running, ConnectionLost, Error); ok {
		s.logger.Info("synchronizer paused", "was", prev)
	}
	s.sched.Stop()
	s.engine.cancelPass()
	return nil
}

// Resume leaves Paused for Idle and restarts the timer at the sync interval.
func (s *Synchronizer) Resume() error {
	if s.isStopped() {
		return ErrShutdown
	}
	if !s.state.CompareAndSwap(Paused, Idle) {
		return ErrNotPaused
	}
	s.logger.Info("synchronizer resumed")
	s.sched.Start(s.config.SyncInterval)
	return nil
}

// Reset clears Error and restarts the timer at the sync interval.
func (s *Synchronizer) Reset() error {
	if s.isStopped() {
		return ErrShutdown
	}
	if !s.state.CompareAndSwap(Error, Idle) {
		return ErrNotInError
	}
	s.logger.Info("synchronizer reset")
	s.sched.Start(s.config.SyncInterval)
	return nil
}

// Shutdown stops the loop, cancels any in-flight pass and waits for Run to
// return. It is safe to call more than once.
func (s *Synchronizer) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel, done := s.cancel, s.done
		s.mu.Unlock()

		s.sched.Stop()
		s.engine.cancelPass()
		if cancel != nil {
			cancel()
			<-done
		}
	})
}

// Status returns a snapshot of the synchronizer.
func (s *Synchronizer) Status() Status {
	st := s.state.Snapshot()
	st.Interval = s.sched.Interval()
	return st
}

// State exposes the underlying state object.
func (s *Synchronizer) State() *State {
	return s.state
}

// Subscribe registers an observer and returns a function that removes it.
// Observers that also implement PassObserver receive pass summaries.
func (s *Synchronizer) Subscribe(o Observer) func() {
	return s.state.Subscribe(o)
}

func (s *Synchronizer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
