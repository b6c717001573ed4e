package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/testlock/internal/errors"
)

// Config represents the complete testlock configuration
type Config struct {
	// Scope selects the state root: "repo" (default) or "machine"
	Scope string `mapstructure:"scope" yaml:"scope"`
	// StateRoot overrides scope resolution with an explicit directory
	StateRoot string `mapstructure:"state_root" yaml:"state_root"`
	// MachineRoot is the state root for machine scope (default: <tmp>/testlock-machine)
	MachineRoot string `mapstructure:"machine_root" yaml:"machine_root"`
	// RepoDir is where repo-root discovery starts (default: working directory)
	RepoDir string `mapstructure:"repo_dir" yaml:"repo_dir"`
	// PID is recorded as holder and waiter pid instead of the defaults (0 = unset)
	PID int `mapstructure:"pid" yaml:"pid"`

	Lock    LockConfig    `mapstructure:"lock" yaml:"lock"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// LockConfig controls waiting and stale-lock detection
type LockConfig struct {
	// PollInterval is the wait loop's sleep between polls (default: 1s)
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// StaleSeconds is how long a holder may go without a heartbeat before
	// its lock is reclaimed (default: 300)
	StaleSeconds int `mapstructure:"stale_seconds" yaml:"stale_seconds"`
	// LivenessTimeout bounds a single pid liveness probe (default: 500ms)
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout" yaml:"liveness_timeout"`
}

// LoggingConfig controls the lock event log in the state root
type LoggingConfig struct {
	// Enabled writes lock events to <state root>/testlock.log (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the minimum level logged: debug, info, warn, error (default: info)
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeMB is the size at which the log rotates (default: 5)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 2)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files (default: false)
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Scope: "repo",
		Lock: LockConfig{
			PollInterval:    time.Second,
			StaleSeconds:    300,
			LivenessTimeout: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 2,
			Compress:   false,
		},
	}
}

// StaleAfter returns the stale threshold as a time.Duration
func (c *LockConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("scope", defaults.Scope)
	viper.SetDefault("state_root", defaults.StateRoot)
	viper.SetDefault("machine_root", defaults.MachineRoot)
	viper.SetDefault("repo_dir", defaults.RepoDir)
	viper.SetDefault("pid", defaults.PID)

	// Lock defaults
	viper.SetDefault("lock.poll_interval", defaults.Lock.PollInterval)
	viper.SetDefault("lock.stale_seconds", defaults.Lock.StaleSeconds)
	viper.SetDefault("lock.liveness_timeout", defaults.Lock.LivenessTimeout)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.NewValidationError("cannot decode configuration").WithCause(err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.NewValidationError("invalid configuration").WithCause(ValidationErrors(errs))
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "testlock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".testlock"
	}
	return filepath.Join(home, ".config", "testlock")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// SearchPaths returns the directories searched for config.yaml, in order
func SearchPaths() []string {
	return []string{ConfigDir(), "."}
}
