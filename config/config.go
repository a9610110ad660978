package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "noverterm"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "NOVERTERM_DATA_DIR"

	DefaultRefreshIntervalSeconds       = 30
	DefaultConnectTimeoutSeconds        = 15
	DefaultDiscoveryScanTimeoutSeconds  = 3
	DefaultDiscoveryIntervalSeconds     = 60
	DefaultConnectionEventRetentionDays = 30

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
	LogOutputStderr  = "stderr"
	LogOutputStdout  = "stdout"
	LogOutputFile    = "file"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	logFileName    = "noverterm.log"
)

// LogConfig controls logger construction.
type LogConfig struct {
	Level    string `json:"level"`
	Format   string `json:"format"`
	Output   string `json:"output"`
	FilePath string `json:"file_path"`
}

// AppConfig contains persistent local settings.
type AppConfig struct {
	KeysDir                      string    `json:"keys_dir"`
	KnownHostsPath               string    `json:"known_hosts_path"`
	DefaultUsername              string    `json:"default_username"`
	Log                          LogConfig `json:"log"`
	RefreshIntervalSeconds       int       `json:"refresh_interval_seconds"`
	ConnectTimeoutSeconds        int       `json:"connect_timeout_seconds"`
	ConnectionEventRetentionDays int       `json:"connection_event_retention_days"`
	DiscoveryEnabled             bool      `json:"discovery_enabled"`
	DiscoveryScanTimeoutSeconds  int       `json:"discovery_scan_timeout_seconds"`
	DiscoveryIntervalSeconds     int       `json:"discovery_interval_seconds"`
}

// RefreshInterval is the background cache refresh period.
func (c *AppConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// ConnectTimeout bounds SSH dial and handshake.
func (c *AppConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// DiscoveryScanTimeout bounds one mDNS browse window.
func (c *AppConfig) DiscoveryScanTimeout() time.Duration {
	return time.Duration(c.DiscoveryScanTimeoutSeconds) * time.Second
}

// DiscoveryInterval is the period between LAN scans.
func (c *AppConfig) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

// ConnectionEventRetention is how long connection events are kept.
func (c *AppConfig) ConnectionEventRetention() time.Duration {
	return time.Duration(c.ConnectionEventRetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NOVERTERM_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *AppConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*AppConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *AppConfig {
	cfg := &AppConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *AppConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" && value != "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.KeysDir, filepath.Join(dataDir, "keys"))
	setString(&cfg.KnownHostsPath, defaultKnownHostsPath())
	setString(&cfg.DefaultUsername, currentUsername())

	if level := normalizeLogLevel(cfg.Log.Level); level != cfg.Log.Level {
		cfg.Log.Level = level
		updated = true
	}
	if format := normalizeLogFormat(cfg.Log.Format); format != cfg.Log.Format {
		cfg.Log.Format = format
		updated = true
	}
	if output := normalizeLogOutput(cfg.Log.Output); output != cfg.Log.Output {
		cfg.Log.Output = output
		updated = true
	}
	setString(&cfg.Log.FilePath, filepath.Join(dataDir, "logs", logFileName))

	setInt(&cfg.RefreshIntervalSeconds, DefaultRefreshIntervalSeconds)
	setInt(&cfg.ConnectTimeoutSeconds, DefaultConnectTimeoutSeconds)
	setInt(&cfg.ConnectionEventRetentionDays, DefaultConnectionEventRetentionDays)
	setInt(&cfg.DiscoveryScanTimeoutSeconds, DefaultDiscoveryScanTimeoutSeconds)
	setInt(&cfg.DiscoveryIntervalSeconds, DefaultDiscoveryIntervalSeconds)

	return updated
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}

func normalizeLogFormat(format string) string {
	if strings.EqualFold(strings.TrimSpace(format), LogFormatJSON) {
		return LogFormatJSON
	}
	return LogFormatConsole
}

func normalizeLogOutput(output string) string {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case LogOutputStdout:
		return LogOutputStdout
	case LogOutputFile:
		return LogOutputFile
	default:
		return LogOutputStderr
	}
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		name := u.Username
		// Windows reports DOMAIN\user.
		if i := strings.LastIndex(name, `\`); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "root"
}
