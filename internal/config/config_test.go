package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/testlock/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.Scope != "repo" {
		t.Errorf("Scope = %q, want %q", cfg.Scope, "repo")
	}
	if cfg.StateRoot != "" {
		t.Errorf("StateRoot = %q, want empty", cfg.StateRoot)
	}
	if cfg.PID != 0 {
		t.Errorf("PID = %d, want 0", cfg.PID)
	}

	if cfg.Lock.PollInterval != time.Second {
		t.Errorf("Lock.PollInterval = %v, want 1s", cfg.Lock.PollInterval)
	}
	if cfg.Lock.StaleSeconds != 300 {
		t.Errorf("Lock.StaleSeconds = %d, want 300", cfg.Lock.StaleSeconds)
	}
	if cfg.Lock.LivenessTimeout != 500*time.Millisecond {
		t.Errorf("Lock.LivenessTimeout = %v, want 500ms", cfg.Lock.LivenessTimeout)
	}

	if !cfg.Logging.Enabled {
		t.Error("Logging.Enabled should be true by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLockConfig_StaleAfter(t *testing.T) {
	tests := []struct {
		seconds  int
		expected time.Duration
	}{
		{300, 5 * time.Minute},
		{1, time.Second},
		{0, 0},
	}

	for _, tt := range tests {
		cfg := LockConfig{StaleSeconds: tt.seconds}
		if got := cfg.StaleAfter(); got != tt.expected {
			t.Errorf("StaleAfter() with %ds = %v, want %v", tt.seconds, got, tt.expected)
		}
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		result := ConfigDir()
		expected := "/custom/config/testlock"
		if result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		result := ConfigDir()

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "testlock")
		if result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	result := ConfigFile()
	expected := "/custom/config/testlock/config.yaml"
	if result != expected {
		t.Errorf("ConfigFile() = %q, want %q", result, expected)
	}
}

func TestSearchPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	paths := SearchPaths()
	if len(paths) != 2 || paths[0] != "/custom/config/testlock" || paths[1] != "." {
		t.Errorf("SearchPaths() = %v", paths)
	}
}

// resetViper gives each test a clean global viper with defaults registered.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scope != "repo" {
		t.Errorf("Scope = %q, want repo", cfg.Scope)
	}
	if cfg.Lock.PollInterval != time.Second {
		t.Errorf("Lock.PollInterval = %v, want 1s", cfg.Lock.PollInterval)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `scope: machine
machine_root: /var/tmp/testlock
lock:
  poll_interval: 250ms
  stale_seconds: 30
logging:
  level: debug
  compress: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scope != "machine" {
		t.Errorf("Scope = %q, want machine", cfg.Scope)
	}
	if cfg.MachineRoot != "/var/tmp/testlock" {
		t.Errorf("MachineRoot = %q", cfg.MachineRoot)
	}
	if cfg.Lock.PollInterval != 250*time.Millisecond {
		t.Errorf("Lock.PollInterval = %v, want 250ms", cfg.Lock.PollInterval)
	}
	if cfg.Lock.StaleSeconds != 30 {
		t.Errorf("Lock.StaleSeconds = %d, want 30", cfg.Lock.StaleSeconds)
	}
	if cfg.Lock.LivenessTimeout != 500*time.Millisecond {
		t.Errorf("Lock.LivenessTimeout = %v, want default 500ms", cfg.Lock.LivenessTimeout)
	}
	if !cfg.Logging.Compress {
		t.Error("Logging.Compress should be true")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	resetViper(t)
	viper.SetEnvPrefix("TESTLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	t.Setenv("TESTLOCK_SCOPE", "machine")
	t.Setenv("TESTLOCK_PID", "4242")
	t.Setenv("TESTLOCK_LOCK_STALE_SECONDS", "45")
	t.Setenv("TESTLOCK_LOCK_POLL_INTERVAL", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scope != "machine" {
		t.Errorf("Scope = %q, want machine", cfg.Scope)
	}
	if cfg.PID != 4242 {
		t.Errorf("PID = %d, want 4242", cfg.PID)
	}
	if cfg.Lock.StaleSeconds != 45 {
		t.Errorf("Lock.StaleSeconds = %d, want 45", cfg.Lock.StaleSeconds)
	}
	if cfg.Lock.PollInterval != 2*time.Second {
		t.Errorf("Lock.PollInterval = %v, want 2s", cfg.Lock.PollInterval)
	}
}

func TestLoad_InvalidIsConfigError(t *testing.T) {
	resetViper(t)
	viper.Set("scope", "galaxy")
	viper.Set("lock.stale_seconds", -1)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for an invalid scope")
	}
	if !errors.IsConfigError(err) {
		t.Errorf("IsConfigError(%v) = false, want true", err)
	}
	if got := errors.ExitCode(err); got != errors.ExitConfigError {
		t.Errorf("ExitCode() = %d, want %d", got, errors.ExitConfigError)
	}

	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors in chain, got %T", err)
	}
	if len(errs) != 2 {
		t.Errorf("len(ValidationErrors) = %d, want 2: %v", len(errs), errs)
	}
}
