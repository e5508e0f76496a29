// Package config loads termpilot's user configuration from
// ~/.termpilot/config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/termpilot/internal/logging"
)

const (
	// DirName is the per-user state directory under $HOME.
	DirName = ".termpilot"
	// FileName is the config file inside the state directory.
	FileName = "config.toml"
	// HomeEnv overrides the state directory (used by tests and sandboxes).
	HomeEnv = "TERMPILOT_HOME"
	// DebugEnv forces debug logging when set to any non-empty value.
	DebugEnv = "TERMPILOT_DEBUG"
)

// Config is the root of config.toml.
type Config struct {
	// Terminal controls how the terminal application is driven.
	Terminal TerminalSettings `toml:"terminal"`

	// Registry configures the zmx session manager.
	Registry RegistrySettings `toml:"registry"`

	// Wait holds polling defaults for wait_for_text / wait_for_stable.
	Wait WaitSettings `toml:"wait"`

	// Logs configures debug logging.
	Logs LogSettings `toml:"logs"`

	// Journal configures the SQLite operation journal.
	Journal JournalSettings `toml:"journal"`
}

// TerminalSettings configures the UI automation driver.
type TerminalSettings struct {
	// App is the scriptable terminal application (default: "Terminal").
	App string `toml:"app"`

	// OpenSettleMs is how long to wait after opening a window before its
	// content is meaningful (default: 1500).
	OpenSettleMs int `toml:"open_settle_ms"`

	// RestartSettleMs is the delay before typing a restart command (default: 1000).
	RestartSettleMs int `toml:"restart_settle_ms"`

	// ScriptTimeoutMs bounds each osascript call (default: 4000).
	ScriptTimeoutMs int `toml:"script_timeout_ms"`

	// KeysPerSecond throttles key and text delivery (default: 40).
	KeysPerSecond int `toml:"keys_per_second"`

	// SessionPrefix prefixes generated session names (default: "termpilot").
	SessionPrefix string `toml:"session_prefix"`
}

// OpenSettle returns OpenSettleMs as a duration.
func (t TerminalSettings) OpenSettle() time.Duration {
	return time.Duration(t.OpenSettleMs) * time.Millisecond
}

// RestartSettle returns RestartSettleMs as a duration.
func (t TerminalSettings) RestartSettle() time.Duration {
	return time.Duration(t.RestartSettleMs) * time.Millisecond
}

// ScriptTimeout returns ScriptTimeoutMs as a duration.
func (t TerminalSettings) ScriptTimeout() time.Duration {
	return time.Duration(t.ScriptTimeoutMs) * time.Millisecond
}

// RegistrySettings configures the session registry adapter.
type RegistrySettings struct {
	// Binary is the zmx executable, optionally with leading arguments.
	Binary string `toml:"binary"`
}

// WaitSettings holds the polling defaults.
type WaitSettings struct {
	PollIntervalMs   int `toml:"poll_interval_ms"`
	DefaultTimeoutMs int `toml:"default_timeout_ms"`
	DefaultStableMs  int `toml:"default_stable_ms"`
}

// PollInterval returns PollIntervalMs as a duration.
func (w WaitSettings) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// DefaultTimeout returns DefaultTimeoutMs as a duration.
func (w WaitSettings) DefaultTimeout() time.Duration {
	return time.Duration(w.DefaultTimeoutMs) * time.Millisecond
}

// DefaultStable returns DefaultStableMs as a duration.
func (w WaitSettings) DefaultStable() time.Duration {
	return time.Duration(w.DefaultStableMs) * time.Millisecond
}

// LogSettings configures debug logging.
type LogSettings struct {
	// Debug enables file logging without setting TERMPILOT_DEBUG.
	Debug bool `toml:"debug"`

	// DebugLevel: "debug", "info", "warn", "error" (default: "info")
	DebugLevel string `toml:"debug_level"`

	// DebugFormat: "json" or "text" (default: "json")
	DebugFormat string `toml:"debug_format"`

	// DebugMaxMB is the size before rotation (default: 10)
	DebugMaxMB int `toml:"debug_max_mb"`

	// DebugBackups is how many rotated files to keep (default: 5)
	DebugBackups int `toml:"debug_backups"`

	// DebugRetentionDays is how long rotated files are kept (default: 10)
	DebugRetentionDays int `toml:"debug_retention_days"`

	// DebugCompress gzips rotated files
	DebugCompress bool `toml:"debug_compress"`

	// RingBufferMB is the crash-dump ring buffer size (default: 2)
	RingBufferMB int `toml:"ring_buffer_mb"`

	// AggregateIntervalS is the event summary interval (default: 30)
	AggregateIntervalS int `toml:"aggregate_interval_secs"`

	// PprofEnabled serves pprof on localhost:6060
	PprofEnabled bool `toml:"pprof_enabled"`
}

// LoggingConfig converts the settings into a logging.Config. Logs go to
// dir only in debug mode; otherwise they are discarded.
func (l LogSettings) LoggingConfig(dir string) logging.Config {
	debug := l.Debug || os.Getenv(DebugEnv) != ""
	if !debug {
		dir = ""
	}
	return logging.Config{
		Debug:                 debug,
		LogDir:                dir,
		Level:                 l.DebugLevel,
		Format:                l.DebugFormat,
		MaxSizeMB:             l.DebugMaxMB,
		MaxBackups:            l.DebugBackups,
		MaxAgeDays:            l.DebugRetentionDays,
		Compress:              l.DebugCompress,
		RingBufferSize:        l.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: l.AggregateIntervalS,
		PprofEnabled:          l.PprofEnabled,
	}
}

// JournalSettings configures the operation journal.
type JournalSettings struct {
	// Enabled defaults to true when unset.
	Enabled *bool `toml:"enabled"`

	// Path of the SQLite file (default: <state dir>/journal.db)
	Path string `toml:"path"`

	// RetentionDays prunes older entries at startup (default: 14)
	RetentionDays int `toml:"retention_days"`
}

// IsEnabled reports whether the journal should be opened.
func (j JournalSettings) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// Retention returns RetentionDays as a duration.
func (j JournalSettings) Retention() time.Duration {
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Terminal.App == "" {
		c.Terminal.App = "Terminal"
	}
	if c.Terminal.OpenSettleMs <= 0 {
		c.Terminal.OpenSettleMs = 1500
	}
	if c.Terminal.RestartSettleMs <= 0 {
		c.Terminal.RestartSettleMs = 1000
	}
	if c.Terminal.ScriptTimeoutMs <= 0 {
		c.Terminal.ScriptTimeoutMs = 4000
	}
	if c.Terminal.KeysPerSecond <= 0 {
		c.Terminal.KeysPerSecond = 40
	}
	if c.Terminal.SessionPrefix == "" {
		c.Terminal.SessionPrefix = "termpilot"
	}
	if c.Registry.Binary == "" {
		c.Registry.Binary = "zmx"
	}
	if c.Wait.PollIntervalMs <= 0 {
		c.Wait.PollIntervalMs = 100
	}
	if c.Wait.DefaultTimeoutMs <= 0 {
		c.Wait.DefaultTimeoutMs = 5000
	}
	if c.Wait.DefaultStableMs <= 0 {
		c.Wait.DefaultStableMs = 500
	}
	if c.Journal.RetentionDays <= 0 {
		c.Journal.RetentionDays = 14
	}
}

// Validate rejects settings that would break the timing model.
func (c *Config) Validate() error {
	if c.Terminal.ScriptTimeoutMs >= c.Wait.DefaultTimeoutMs {
		return fmt.Errorf("terminal.script_timeout_ms (%d) must be below wait.default_timeout_ms (%d)",
			c.Terminal.ScriptTimeoutMs, c.Wait.DefaultTimeoutMs)
	}
	if c.Wait.PollIntervalMs > c.Wait.DefaultStableMs {
		return fmt.Errorf("wait.poll_interval_ms (%d) must not exceed wait.default_stable_ms (%d)",
			c.Wait.PollIntervalMs, c.Wait.DefaultStableMs)
	}
	return nil
}

// Dir returns the termpilot state directory.
func Dir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName), nil
}

// Path returns the path of config.toml.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// JournalPath resolves the journal file location.
func (c *Config) JournalPath() (string, error) {
	if c.Journal.Path != "" {
		return c.Journal.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "journal.db"), nil
}

var (
	cacheMu sync.RWMutex
	cache   *Config
)

// Load returns the user config, reading the file once per process.
// A missing file yields defaults. A parse error still caches defaults (so
// the file is not re-parsed on every call) and is returned for display.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = Default()
		return cache, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		cache = Default()
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// LoadFile decodes path without touching the cache. A missing file yields
// defaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("%s parse error: %w", FileName, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// store replaces the cached config (used by the watcher).
func store(cfg *Config) {
	cacheMu.Lock()
	cache = cfg
	cacheMu.Unlock()
}

// ResetCache drops the cached config so the next Load re-reads the file.
func ResetCache() {
	store(nil)
}
