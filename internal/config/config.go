package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-repository config file looked up by FindLocalConfig
const LocalConfigName = ".epic-orch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Worker        WorkerConfig        `toml:"worker"`
	Git           GitConfig           `toml:"git"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Schedule      ScheduleConfig      `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RepoRoot      string `toml:"repo_root"`
	StateDir      string `toml:"state_dir"`
	DatabasePath  string `toml:"database_path"`
	MaxConcurrent int    `toml:"max_concurrent"`
	LogLevel      string `toml:"log_level"`
}

// WorkerConfig describes the external worker command
type WorkerConfig struct {
	Command      string   `toml:"command"`
	Args         []string `toml:"args"`
	WorktreeDir  string   `toml:"worktree_dir"`
	SpawnBackoff []string `toml:"spawn_backoff"`
}

// GitConfig holds repository settings
type GitConfig struct {
	Remote       string `toml:"remote"`
	BranchPrefix string `toml:"branch_prefix"`
	BaselineRef  string `toml:"baseline_ref"`
	Push         bool   `toml:"push"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// ScheduleConfig holds the optional start window
type ScheduleConfig struct {
	Cron string `toml:"cron"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			StateDir:      ".epic-orch",
			MaxConcurrent: 3,
			LogLevel:      "info",
		},
		Worker: WorkerConfig{
			WorktreeDir:  filepath.Join(home, ".epic-orchestrator", "worktrees"),
			SpawnBackoff: []string{"5s", "15s"},
		},
		Git: GitConfig{
			Remote:       "origin",
			BranchPrefix: "epic",
			Push:         true,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.RepoRoot = ExpandPath(cfg.General.RepoRoot)
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Worker.WorktreeDir = ExpandPath(cfg.Worker.WorktreeDir)

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path if given, otherwise the
// nearest .epic-orch.toml above the working directory, otherwise the user config.
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	wd, err := os.Getwd()
	if err == nil {
		if local := FindLocalConfig(wd); local != "" {
			cfg, err := Load(local)
			if err != nil {
				return nil, err
			}
			// a relative repo_root in a local config is relative to that file
			if cfg.General.RepoRoot == "" || !filepath.IsAbs(cfg.General.RepoRoot) {
				cfg.General.RepoRoot = filepath.Join(filepath.Dir(local), cfg.General.RepoRoot)
			}
			return cfg, nil
		}
	}
	return Load(DefaultConfigPath())
}

// Validate reports configuration values the orchestrator cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.General.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("general.max_concurrent must be at least 1, got %d", c.General.MaxConcurrent))
	}
	switch strings.ToLower(c.General.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("general.log_level %q is not one of debug, info, warn, error", c.General.LogLevel))
	}
	if _, err := c.Backoff(); err != nil {
		errs = append(errs, err)
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}
	if strings.Contains(c.Git.BranchPrefix, " ") {
		errs = append(errs, fmt.Errorf("git.branch_prefix %q contains spaces", c.Git.BranchPrefix))
	}
	return errors.Join(errs...)
}

// Backoff parses worker.spawn_backoff
func (c *Config) Backoff() ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(c.Worker.SpawnBackoff))
	for _, s := range c.Worker.SpawnBackoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("worker.spawn_backoff: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("worker.spawn_backoff: negative duration %s", s)
		}
		out = append(out, d)
	}
	return out, nil
}

// Repo returns the repository root, defaulting to the working directory
func (c *Config) Repo() string {
	if c.General.RepoRoot != "" {
		return c.General.RepoRoot
	}
	wd, _ := os.Getwd()
	return wd
}

// StatePath returns the state directory; a relative one is taken from the repository root
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.General.StateDir) {
		return c.General.StateDir
	}
	return filepath.Join(c.Repo(), c.General.StateDir)
}

// StateFile returns the job state file
func (c *Config) StateFile() string {
	return filepath.Join(c.StatePath(), "state.json")
}

// Database returns the history database path
func (c *Config) Database() string {
	if c.General.DatabasePath != "" {
		return c.General.DatabasePath
	}
	return filepath.Join(c.StatePath(), "history.db")
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "epic-orchestrator", "config.toml")
}

// FindLocalConfig walks up from dir looking for a .epic-orch.toml file.
// Returns "" when there is none.
func FindLocalConfig(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
