// Package config loads rack's configuration from a YAML file and RACK_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration keys
const (
	KeySyncInterval    = "sync.interval.seconds"
	KeyRecheckInterval = "connectivity.recheck.interval.seconds"
	KeyRemoteTimeout   = "remote.timeout.seconds"
	KeyRemoteURL       = "remote.url"
	KeyLocalPath       = "local.path"
	KeyStatePath       = "state.path"
	KeyUserName        = "user.name"
	KeyMachineName     = "machine.name"
	KeyLogFile         = "logging.file"
	KeyLogLevel        = "logging.level"
	KeyLogMaxSizeMB    = "logging.max_size_mb"
	KeyLogMaxBackups   = "logging.max_backups"
	KeyDashboardPort   = "dashboard.port"
	KeyWatchDebounceMS = "watch.debounce.ms"
)

const (
	envPrefix            = "RACK"
	defaultDashboardPort = 8787
)

// Config holds all application configuration
type Config struct {
	SyncInterval    time.Duration
	RecheckInterval time.Duration
	RemoteTimeout   time.Duration

	RemoteURL string
	LocalPath string
	StatePath string

	UserName    string
	MachineName string

	Logging LoggingConfig

	// DashboardPort is the local status/control port; 0 disables it.
	DashboardPort int

	WatchDebounce time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()
	host, _ := os.Hostname()
	return &Config{
		SyncInterval:    120 * time.Second,
		RecheckInterval: 60 * time.Second,
		RemoteTimeout:   30 * time.Second,
		LocalPath:       filepath.Join(dataDir, "rack.db"),
		StatePath:       filepath.Join(dataDir, "state.db"),
		MachineName:     host,
		Logging: LoggingConfig{
			File:       filepath.Join(dataDir, "rack.log"),
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		DashboardPort: defaultDashboardPort,
		WatchDebounce: 500 * time.Millisecond,
	}
}

// DefaultDataDir returns the directory holding the catalog, journal and log.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "rack")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "rack")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "rack")
	}
}

// DefaultConfigPath returns the default config file path for the current OS
func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "rack", "config.yaml")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "rack", "config.yaml")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "rack", "config.yaml")
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault(KeySyncInterval, int(d.SyncInterval/time.Second))
	v.SetDefault(KeyRecheckInterval, int(d.RecheckInterval/time.Second))
	v.SetDefault(KeyRemoteTimeout, int(d.RemoteTimeout/time.Second))
	v.SetDefault(KeyRemoteURL, d.RemoteURL)
	v.SetDefault(KeyLocalPath, d.LocalPath)
	v.SetDefault(KeyStatePath, d.StatePath)
	v.SetDefault(KeyUserName, d.UserName)
	v.SetDefault(KeyMachineName, d.MachineName)
	v.SetDefault(KeyLogFile, d.Logging.File)
	v.SetDefault(KeyLogLevel, d.Logging.Level)
	v.SetDefault(KeyLogMaxSizeMB, d.Logging.MaxSizeMB)
	v.SetDefault(KeyLogMaxBackups, d.Logging.MaxBackups)
	v.SetDefault(KeyDashboardPort, d.DashboardPort)
	v.SetDefault(KeyWatchDebounceMS, int(d.WatchDebounce/time.Millisecond))
}

// Load loads configuration from path (or the default location when path is
// empty) and the environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path == "" {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Environment variable overrides: RACK_SYNC_INTERVAL_SECONDS etc.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	cfg := &Config{
		SyncInterval:    time.Duration(v.GetInt(KeySyncInterval)) * time.Second,
		RecheckInterval: time.Duration(v.GetInt(KeyRecheckInterval)) * time.Second,
		RemoteTimeout:   time.Duration(v.GetInt(KeyRemoteTimeout)) * time.Second,
		RemoteURL:       v.GetString(KeyRemoteURL),
		LocalPath:       expandHome(v.GetString(KeyLocalPath)),
		StatePath:       expandHome(v.GetString(KeyStatePath)),
		UserName:        v.GetString(KeyUserName),
		MachineName:     v.GetString(KeyMachineName),
		Logging: LoggingConfig{
			File:       expandHome(v.GetString(KeyLogFile)),
			Level:      v.GetString(KeyLogLevel),
			MaxSizeMB:  v.GetInt(KeyLogMaxSizeMB),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
		},
		DashboardPort: v.GetInt(KeyDashboardPort),
		WatchDebounce: time.Duration(v.GetInt(KeyWatchDebounceMS)) * time.Millisecond,
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the directory if needed.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.Set(KeySyncInterval, int(cfg.SyncInterval/time.Second))
	v.Set(KeyRecheckInterval, int(cfg.RecheckInterval/time.Second))
	v.Set(KeyRemoteTimeout, int(cfg.RemoteTimeout/time.Second))
	v.Set(KeyRemoteURL, cfg.RemoteURL)
	v.Set(KeyLocalPath, cfg.LocalPath)
	v.Set(KeyStatePath, cfg.StatePath)
	v.Set(KeyUserName, cfg.UserName)
	v.Set(KeyMachineName, cfg.MachineName)
	v.Set(KeyLogFile, cfg.Logging.File)
	v.Set(KeyLogLevel, cfg.Logging.Level)
	v.Set(KeyLogMaxSizeMB, cfg.Logging.MaxSizeMB)
	v.Set(KeyLogMaxBackups, cfg.Logging.MaxBackups)
	v.Set(KeyDashboardPort, cfg.DashboardPort)
	v.Set(KeyWatchDebounceMS, int(cfg.WatchDebounce/time.Millisecond))

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate reports every setting that would prevent the synchronizer from
// running.
func (c *Config) Validate() error {
	var errs []error
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeySyncInterval))
	}
	if c.RecheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyRecheckInterval))
	}
	if c.RemoteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyRemoteTimeout))
	}
	if c.RemoteURL == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyRemoteURL))
	}
	if c.LocalPath == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyLocalPath))
	}
	if c.UserName == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyUserName))
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		errs = append(errs, fmt.Errorf("%s must be between 0 and 65535", KeyDashboardPort))
	}
	if c.WatchDebounce < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyWatchDebounceMS))
	}
	return errors.Join(errs...)
}

// IsConfigured returns true if the remote catalog and user are set.
func (c *Config) IsConfigured() bool {
	return c.RemoteURL != "" && c.UserName != ""
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
