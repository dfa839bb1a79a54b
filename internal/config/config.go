// Package config loads and saves Crane's on-disk configuration, following
// the same shape as the teacher's internal/config package: a single YAML
// file under an OS-appropriate per-user directory, with Load/Save/
// LoadOrDefault helpers and tilde expansion for paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yml"
	AppDirName     = "crane"
)

// BandwidthWindow is one entry of an optional limiter schedule (spec.md §4.1).
type BandwidthWindow struct {
	StartHour    int   `yaml:"start_hour"`
	EndHour      int   `yaml:"end_hour"`
	RateOverride int64 `yaml:"rate_override"` // bytes/sec; 0 means unlimited during this window
	Unlimited    bool  `yaml:"unlimited"`
}

// Config is Crane's persisted configuration.
type Config struct {
	OutputDir string `yaml:"output_dir,omitempty"`

	MaxConcurrent          int               `yaml:"max_concurrent,omitempty"`
	ConnectionsPerDownload int               `yaml:"connections_per_download,omitempty"`
	BandwidthRateBps       int64             `yaml:"bandwidth_rate_bps,omitempty"` // 0 = unlimited
	BandwidthSchedule      []BandwidthWindow `yaml:"bandwidth_schedule,omitempty"`
	JobRetryBudget         int               `yaml:"job_retry_budget,omitempty"`
	ChunkFailureThreshold  int               `yaml:"chunk_failure_threshold,omitempty"`
	IdleTimeoutSeconds     int               `yaml:"idle_timeout_seconds,omitempty"`

	Server ServerConfig `yaml:"server,omitempty"`

	SiteSettings map[string]SiteSettingConfig `yaml:"site_settings,omitempty"`
}

// ServerConfig holds HTTP command-surface settings, generalizing the
// teacher's ServerConfig in internal/config/config.go.
type ServerConfig struct {
	Port       int    `yaml:"port,omitempty"`
	APIKeyHash string `yaml:"api_key_hash,omitempty"`
	APIKeySalt string `yaml:"api_key_salt,omitempty"`
}

// SiteSettingConfig is the YAML-facing form of model.SiteSetting.
type SiteSettingConfig struct {
	MaxConnections int               `yaml:"max_connections,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
}

const (
	minMaxConcurrent          = 1
	maxMaxConcurrent          = 64
	minConnections            = 1
	maxConnections            = 32
	defaultRetryBudget        = 5
	defaultChunkFailThreshold = 5
	defaultIdleTimeoutSeconds = 30
)

// Normalize clamps invalid values to the nearest valid bound, per spec.md
// §7: "the system never refuses to start on a bad config." Range clamps
// log a warning; non-positive JobRetryBudget, ChunkFailureThreshold and
// IdleTimeoutSeconds are reset to their defaults without one.
func (c *Config) Normalize(log *logrus.Logger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if c.MaxConcurrent < minMaxConcurrent || c.MaxConcurrent > maxMaxConcurrent {
		clamped := clamp(c.MaxConcurrent, minMaxConcurrent, maxMaxConcurrent)
		log.Warnf("config: max_concurrent=%d out of range, clamped to %d", c.MaxConcurrent, clamped)
		c.MaxConcurrent = clamped
	}
	if c.ConnectionsPerDownload < minConnections || c.ConnectionsPerDownload > maxConnections {
		clamped := clamp(c.ConnectionsPerDownload, minConnections, maxConnections)
		log.Warnf("config: connections_per_download=%d out of range, clamped to %d", c.ConnectionsPerDownload, clamped)
		c.ConnectionsPerDownload = clamped
	}
	if c.BandwidthRateBps < 0 {
		log.Warnf("config: bandwidth_rate_bps=%d negative, clamped to 0 (unlimited)", c.BandwidthRateBps)
		c.BandwidthRateBps = 0
	}
	if c.JobRetryBudget <= 0 {
		c.JobRetryBudget = defaultRetryBudget
	}
	if c.ChunkFailureThreshold <= 0 {
		c.ChunkFailureThreshold = defaultChunkFailThreshold
	}
	if c.IdleTimeoutSeconds <= 0 {
		c.IdleTimeoutSeconds = defaultIdleTimeoutSeconds
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		log.Warnf("config: server.port=%d out of range, clamped to 8787", c.Server.Port)
		c.Server.Port = 8787
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ConfigDir returns the standard config directory for Crane.
// Windows: %APPDATA%\crane\ ; macOS/Linux: ~/.config/crane/
func ConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppDirName), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// DataDir returns the per-user directory holding Crane's durable store,
// following the same XDG convention as ConfigDir.
func DataDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppDirName), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", AppDirName), nil
	}
	return filepath.Join(home, ".local", "share", AppDirName), nil
}

// DefaultDownloadDir returns the default download directory.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./downloads"
	}
	return filepath.Join(home, "Downloads", "crane")
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:              DefaultDownloadDir(),
		MaxConcurrent:          4,
		ConnectionsPerDownload: 8,
		BandwidthRateBps:       0,
		JobRetryBudget:         defaultRetryBudget,
		ChunkFailureThreshold:  defaultChunkFailThreshold,
		IdleTimeoutSeconds:     defaultIdleTimeoutSeconds,
		Server:                 ServerConfig{Port: 8787},
	}
}

// Exists checks whether the config file exists.
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads the config from its standard path.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.OutputDir = expandPath(cfg.OutputDir)
	return cfg, nil
}

// expandPath expands a leading "~" to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		if len(path) == 1 || path[1] == '/' || path[1] == '\\' {
			home, err := os.UserHomeDir()
			if err == nil {
				subPath := path[1:]
				if len(subPath) > 0 && (subPath[0] == '/' || subPath[0] == '\\') {
					subPath = subPath[1:]
				}
				return filepath.Join(home, subPath)
			}
		}
	}
	return path
}

// Save writes the config to its standard path.
func Save(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	configPath, err := ConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := "# crane configuration file\n# Run 'cranectl init' to regenerate with defaults\n\n"
	return os.WriteFile(configPath, []byte(header+string(data)), 0o644)
}

// Init creates a new config.yml with default values.
func Init() error {
	if Exists() {
		path, _ := ConfigPath()
		return fmt.Errorf("%s already exists", path)
	}
	return Save(DefaultConfig())
}

// LoadOrDefault loads the config if present, else returns defaults. The
// result is always Normalize()d so callers never see an invalid value.
func LoadOrDefault(log *logrus.Logger) *Config {
	cfg, err := Load()
	if err != nil {
		cfg = DefaultConfig()
	}
	cfg.Normalize(log)
	return cfg
}
