// Package daemon runs the synchronizer as a long-lived process.
//
// The daemon:
//  1. Drives the synchronizer's timer loop
//  2. Serves the status dashboard and control endpoints
//  3. Watches the user's media directories and requests a pass when they change
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mediarack/rack/internal/rack/dashboard"
	"github.com/mediarack/rack/internal/rack/engine"
)

// Synchronizer is what the daemon supervises. *engine.Synchronizer
// implements it.
type Synchronizer interface {
	dashboard.Controller
	Run(ctx context.Context) error
	Shutdown()
	Subscribe(o engine.Observer) func()
}

// Config holds configuration for the daemon.
type Config struct {
	// WatchDirs are media directories whose changes trigger a pass.
	// Missing directories are skipped with a warning.
	WatchDirs []string

	// DebounceInterval is how long a directory must be quiet before a
	// pass is requested. Rapid changes are batched into one request.
	DebounceInterval time.Duration

	// Dashboard configures the status server; nil disables it.
	Dashboard *dashboard.Config

	// Observers are subscribed to the synchronizer for the daemon's
	// lifetime.
	Observers []engine.Observer

	// Logger for daemon activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Dashboard:        dashboard.DefaultConfig(),
		Logger:           slog.Default(),
	}
}

// Daemon supervises the synchronizer, the dashboard and the watcher.
type Daemon struct {
	sync   Synchronizer
	config *Config
	logger *slog.Logger

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	server  *dashboard.Server
	started chan struct{}
}

// New creates a daemon around s. Use Run to start it.
func New(s Synchronizer, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("synchronizer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Daemon{
		sync:        s,
		config:      config,
		logger:      config.Logger.With("component", "daemon"),
		changeQueue: make(map[string]time.Time),
		started:     make(chan struct{}),
	}, nil
}

// Run starts everything and blocks until ctx is cancelled or the
// synchronizer stops. It returns the first error any part failed with.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting daemon")

	for _, o := range d.config.Observers {
		unsubscribe := d.sync.Subscribe(o)
		defer unsubscribe()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if d.config.Dashboard != nil {
		cfg := *d.config.Dashboard
		cfg.Controller = d.sync
		cfg.Logger = d.config.Logger
		d.server = dashboard.NewServer(&cfg)
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		unsubscribe := d.sync.Subscribe(dashboard.NewHandler(d.server, d.config.Logger))
		g.Go(func() error {
			<-gctx.Done()
			unsubscribe()
			return d.server.Stop()
		})
	}

	if dirs := d.existingDirs(); len(dirs) > 0 {
		fw, err := NewFileWatcher()
		if err == nil {
			if err = fw.Start(dirs...); err != nil {
				_ = fw.Stop()
			}
		}
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		d.logger.Info("watching media directories", "dirs", dirs)
		g.Go(func() error {
			<-gctx.Done()
			return fw.Stop()
		})
		g.Go(func() error {
			d.watchFileEvents(gctx, fw)
			return nil
		})
		g.Go(func() error {
			d.processChangeQueue(gctx)
			return nil
		})
	}

	g.Go(func() error {
		// The loop ending for any reason stops the rest.
		defer cancel()
		return d.sync.Run(gctx)
	})

	close(d.started)

	err := g.Wait()
	d.sync.Shutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	d.logger.Info("daemon stopped")
	return err
}

// Started is closed once Run has brought up the dashboard and watcher. It
// stays open if Run fails during startup.
func (d *Daemon) Started() <-chan struct{} {
	return d.started
}

// DashboardAddr returns the dashboard's listening address, or "" when the
// dashboard is disabled or not started.
func (d *Daemon) DashboardAddr() string {
	select {
	case <-d.started:
	default:
		return ""
	}
	if d.server == nil {
		return ""
	}
	return d.server.GetAddr()
}

func (d *Daemon) existingDirs() []string {
	var dirs []string
	for _, dir := range d.config.WatchDirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			d.logger.Warn("skipping watch directory", "dir", dir, "error", err)
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

// watchFileEvents queues watcher events until ctx is cancelled.
func (d *Daemon) watchFileEvents(ctx context.Context, fw *FileWatcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events():
			if !ok {
				return
			}
			d.logger.Debug("file event", "op", event.Op, "path", event.Path)
			d.queueChange(event.Path)

		case err, ok := <-fw.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue requests a pass once queued changes have settled.
func (d *Daemon) processChangeQueue(ctx context.Context) {
	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if n := d.takeSettled(time.Now()); n > 0 {
				d.logger.Info("media directories changed, requesting sync", "files", n)
				d.sync.Nudge()
			}
		}
	}
}

// takeSettled removes and counts the changes older than the debounce
// interval.
func (d *Daemon) takeSettled(now time.Time) int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	n := 0
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)
		n++
	}
	return n
}
