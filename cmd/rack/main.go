// Command rack keeps a local media catalog in step with a shared remote
// catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mediarack/rack/internal/config"
	"github.com/mediarack/rack/internal/logging"
	"github.com/mediarack/rack/internal/rack/localdb"
	"github.com/mediarack/rack/internal/rack/remote"
	"github.com/mediarack/rack/internal/rack/session"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "rack",
	Short: "Synchronize a local media catalog with a shared remote catalog",
	Long: `rack keeps the media catalog on this machine in step with a shared remote
catalog. Remote changes are downloaded and merged under your conflict policy;
local changes are uploaded.

Run 'rack init' once, then 'rack daemon' to keep syncing in the background.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "catalog", Title: "Catalog Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig reads the config file and environment, applying --log-level.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg
}

// mustConfigured loads and validates the configuration for commands that
// talk to the catalogs.
func mustConfigured() *config.Config {
	cfg := loadConfig()
	if !cfg.IsConfigured() {
		fatalf("rack is not configured; run 'rack init' first")
	}
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration:\n%v", err)
	}
	return cfg
}

// setupLogger returns the configured logger, or a stderr logger when the
// log file cannot be opened.
func setupLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v; logging to stderr\n", err)
		logger, closer, _ = logging.Setup(config.LoggingConfig{File: logging.Stderr, Level: cfg.Logging.Level})
	}
	return logger, closer
}

// stores bundles the catalogs and the session of one command run.
type stores struct {
	local   *localdb.DB
	remote  *remote.Store
	session *session.Service
}

func openLocal(cfg *config.Config) (*localdb.DB, error) {
	local, err := localdb.Open(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local catalog: %w", err)
	}
	if err := local.InitSchema(); err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to initialize local catalog: %w", err)
	}
	return local, nil
}

// withLocal runs fn against the local catalog and closes it before
// returning, so callers can exit on the error.
func withLocal(cfg *config.Config, fn func(ctx context.Context, local *localdb.DB) error) error {
	local, err := openLocal(cfg)
	if err != nil {
		return err
	}
	defer local.Close()
	return fn(context.Background(), local)
}

// withSession is withLocal for commands that only touch user settings.
func withSession(cfg *config.Config, fn func(ctx context.Context, sess *session.Service) error) error {
	if cfg.UserName == "" {
		return errors.New("no user configured; run 'rack init' first")
	}
	return withLocal(cfg, func(ctx context.Context, local *localdb.DB) error {
		sess, err := session.New(local.RawDB(), cfg.UserName, cfg.MachineName)
		if err != nil {
			return err
		}
		return fn(ctx, sess)
	})
}

func openStores(cfg *config.Config) (*stores, error) {
	local, err := openLocal(cfg)
	if err != nil {
		return nil, err
	}

	driver, dsn := remote.DriverFor(cfg.RemoteURL)
	store, err := remote.Open(driver, dsn, remote.WithTimeout(cfg.RemoteTimeout))
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to open remote catalog: %w", err)
	}

	sess, err := session.New(local.RawDB(), cfg.UserName, cfg.MachineName)
	if err != nil {
		store.Close()
		local.Close()
		return nil, err
	}

	return &stores{local: local, remote: store, session: sess}, nil
}

func (s *stores) Close() {
	_ = s.remote.Close()
	_ = s.local.Close()
}

// dashboardAddr is where a running daemon serves its dashboard, or "" when
// the dashboard is disabled.
func dashboardAddr(cfg *config.Config) string {
	if cfg.DashboardPort == 0 {
		return ""
	}
	return fmt.Sprintf("127.0.0.1:%d", cfg.DashboardPort)
}
