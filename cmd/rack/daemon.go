package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mediarack/rack/internal/config"
	"github.com/mediarack/rack/internal/rack/daemon"
	"github.com/mediarack/rack/internal/rack/dashboard"
	"github.com/mediarack/rack/internal/rack/engine"
	"github.com/mediarack/rack/internal/rack/journal"
	"github.com/mediarack/rack/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the synchronizer in the foreground until interrupted.

The daemon will:
  1. Sync every sync.interval.seconds while the remote catalog is reachable
  2. Probe every connectivity.recheck.interval.seconds while it is not
  3. Request a sync when files change in your watched media directories
  4. Serve status and controls on http://127.0.0.1:<dashboard.port>

Use 'rack status' and 'rack ctl' from another terminal while it runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfigured()
		logger, closer := setupLogger(cfg)
		defer closer.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := runDaemon(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
			closer.Close()
			fatalf("%v", err)
		}
		fmt.Println("Daemon stopped")
	},
}

// runDaemon serves until ctx is cancelled. The catalogs and the journal are
// closed before it returns.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.session.EnsureUser(ctx); err != nil {
		return fmt.Errorf("failed to prepare user %s: %w", cfg.UserName, err)
	}
	user, err := st.session.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to load user settings: %w", err)
	}

	// An unreachable remote is not fatal; the monitor takes over.
	if err := st.remote.Connect(ctx); err != nil {
		logger.Warn("remote catalog not ready", "url", cfg.RemoteURL, "error", err)
	}

	jrnl, err := journal.Open(cfg.StatePath, 0, logger)
	if err != nil {
		return fmt.Errorf("%w (is another daemon running?)", err)
	}
	defer jrnl.Close()

	syncCfg := &engine.Config{
		SyncInterval:    cfg.SyncInterval,
		RecheckInterval: cfg.RecheckInterval,
		RemoteTimeout:   cfg.RemoteTimeout,
		SyncOnStart:     true,
		Logger:          logger,
	}
	s := engine.New(st.remote, st.local, st.session, syncCfg)

	daemonCfg := &daemon.Config{
		WatchDirs:        user.Settings.WatchDirs,
		DebounceInterval: cfg.WatchDebounce,
		Observers:        []engine.Observer{jrnl},
		Logger:           logger,
	}
	if cfg.DashboardPort > 0 {
		daemonCfg.Dashboard = &dashboard.Config{
			Port:    cfg.DashboardPort,
			History: jrnl,
		}
	}

	d, err := daemon.New(s, daemonCfg)
	if err != nil {
		return err
	}

	fmt.Printf("%s rack daemon for %s on %s\n", ui.RenderPass("●"), cfg.UserName, st.session.Machine())
	fmt.Printf("   Local:  %s\n", cfg.LocalPath)
	fmt.Printf("   Remote: %s\n", cfg.RemoteURL)
	if addr := dashboardAddr(cfg); addr != "" {
		fmt.Printf("   Status: http://%s/status\n", addr)
	}
	for _, dir := range user.Settings.WatchDirs {
		fmt.Printf("   Watch:  %s\n", dir)
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon stopped: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
