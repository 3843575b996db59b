// Package config handles configuration loading for crew.
// It supports XDG config paths, project-level overrides, and CREW_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/crew/pkg/models"
)

// ProjectConfigName is the per-project override file searched for from the working directory up.
const ProjectConfigName = ".crew.yaml"

// EnvPrefix prefixes every environment override (agents.max -> CREW_AGENTS_MAX).
const EnvPrefix = "CREW"

// Config holds all configuration for crew.
type Config struct {
	Agents       AgentsConfig       `mapstructure:"agents"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	Worktrees    WorktreesConfig    `mapstructure:"worktrees"`
	Git          GitConfig          `mapstructure:"git"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Backlog      BacklogConfig      `mapstructure:"backlog"`
}

// AgentsConfig controls the worker pool.
type AgentsConfig struct {
	Max               int           `mapstructure:"max"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
	Model             string        `mapstructure:"model"`
	Provider          string        `mapstructure:"provider"`
	// WorkerCommand replaces the worker executable. Shell-quoted.
	WorkerCommand string `mapstructure:"worker_command"`
}

// RunnerConfig holds the AI CLI invocation used inside worktrees.
type RunnerConfig struct {
	Command string `mapstructure:"command"`
}

// ProviderConfig holds AI provider credentials.
type ProviderConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// WorktreesConfig holds worktree placement and cleanup settings.
type WorktreesConfig struct {
	Dir     string `mapstructure:"dir"`
	Cleanup string `mapstructure:"cleanup"`
}

// GitConfig names the integration branch and remote.
type GitConfig struct {
	BaseBranch string `mapstructure:"base_branch"`
	Remote     string `mapstructure:"remote"`
}

// RateLimitConfig holds forge rate limit tuning.
type RateLimitConfig struct {
	LowThreshold int           `mapstructure:"low_threshold"`
	FallbackWait time.Duration `mapstructure:"fallback_wait"`
}

// OrchestratorConfig holds run loop tuning.
type OrchestratorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// BacklogConfig locates the task database.
type BacklogConfig struct {
	Path string `mapstructure:"path"`
}

// CleanupPolicy parses Worktrees.Cleanup.
func (c *Config) CleanupPolicy() (models.CleanupPolicy, error) {
	return models.ParseCleanupPolicy(c.Worktrees.Cleanup)
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Agents.Max < 1 {
		return fmt.Errorf("agents.max must be at least 1, got %d", c.Agents.Max)
	}
	if c.Agents.HeartbeatInterval <= 0 {
		return fmt.Errorf("agents.heartbeat_interval must be positive")
	}
	if c.Agents.StaleThreshold <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.stale_threshold (%s) must exceed agents.heartbeat_interval (%s)",
			c.Agents.StaleThreshold, c.Agents.HeartbeatInterval)
	}
	if _, err := c.CleanupPolicy(); err != nil {
		return fmt.Errorf("worktrees.cleanup: %w", err)
	}
	if strings.TrimSpace(c.Runner.Command) == "" {
		return fmt.Errorf("runner.command must not be empty")
	}
	return nil
}

// ResolvePath makes a configured relative path absolute against the project root.
func ResolvePath(projectRoot, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectRoot, p)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CREW_AGENTS_MAX, CREW_PROVIDER_API_KEY, ...)
// 2. Project config (.crew.yaml in current directory or parent)
// 3. User config (~/.config/crew/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file on top of the defaults.
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return decode(v)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Provider.APIKey = expandEnv(cfg.Provider.APIKey)

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("agents.max", d.Agents.Max)
	v.SetDefault("agents.heartbeat_interval", d.Agents.HeartbeatInterval.String())
	v.SetDefault("agents.stale_threshold", d.Agents.StaleThreshold.String())
	v.SetDefault("agents.monitor_interval", d.Agents.MonitorInterval.String())
	v.SetDefault("agents.kill_grace", d.Agents.KillGrace.String())
	v.SetDefault("agents.model", d.Agents.Model)
	v.SetDefault("agents.provider", d.Agents.Provider)
	v.SetDefault("agents.worker_command", d.Agents.WorkerCommand)

	v.SetDefault("runner.command", d.Runner.Command)

	// Left unexpanded so a later ANTHROPIC_API_KEY export still wins at load time.
	v.SetDefault("provider.api_key", "${ANTHROPIC_API_KEY}")

	v.SetDefault("worktrees.dir", d.Worktrees.Dir)
	v.SetDefault("worktrees.cleanup", d.Worktrees.Cleanup)

	v.SetDefault("git.base_branch", d.Git.BaseBranch)
	v.SetDefault("git.remote", d.Git.Remote)

	v.SetDefault("ratelimit.low_threshold", d.RateLimit.LowThreshold)
	v.SetDefault("ratelimit.fallback_wait", d.RateLimit.FallbackWait.String())

	v.SetDefault("orchestrator.poll_interval", d.Orchestrator.PollInterval.String())

	v.SetDefault("backlog.path", d.Backlog.Path)
}

// getUserConfigDir returns the XDG config directory for crew.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crew")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "crew")
	}
	return filepath.Join(home, ".config", "crew")
}

// findProjectConfig searches for .crew.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values. The API key is left empty.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Max:               3,
			HeartbeatInterval: 15 * time.Second,
			StaleThreshold:    5 * time.Minute,
			MonitorInterval:   30 * time.Second,
			KillGrace:         3 * time.Second,
			Model:             "sonnet",
			Provider:          "claude",
		},
		Runner: RunnerConfig{
			Command: "claude -p --output-format stream-json --verbose",
		},
		Worktrees: WorktreesConfig{
			Dir:     filepath.Join(".crew", "worktrees"),
			Cleanup: string(models.DefaultCleanupPolicy),
		},
		Git: GitConfig{
			BaseBranch: "main",
			Remote:     "origin",
		},
		RateLimit: RateLimitConfig{
			LowThreshold: 100,
			FallbackWait: 60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Backlog: BacklogConfig{
			Path: filepath.Join(".crew", "backlog", "tasks.db"),
		},
	}
}
