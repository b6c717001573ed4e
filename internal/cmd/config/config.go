// Package config provides CLI commands for inspecting testlock configuration.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/testlock/internal/config"
	"github.com/Iron-Ham/testlock/internal/errors"
	"github.com/Iron-Ham/testlock/internal/fsutil"
)

// Register adds the config command tree to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "View testlock configuration",
		Long: `View testlock configuration.

Settings come from, in order of precedence: command-line flags, TESTLOCK_*
environment variables, the config file, and built-in defaults.`,
		RunE: runConfigShow,
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the effective configuration as YAML",
			Args:  cobra.NoArgs,
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Show the config file path and search paths",
			Args:  cobra.NoArgs,
			RunE:  runConfigPath,
		},
		&cobra.Command{
			Use:   "init",
			Short: "Create a config file with default values",
			Args:  cobra.NoArgs,
			RunE:  runConfigInit,
		},
	)

	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# config file: (none - using defaults)")
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	return enc.Close()
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	for i, dir := range appconfig.SearchPaths() {
		fmt.Fprintf(out, "  %d. %s/config.yaml\n", i+1, dir)
	}
	fmt.Fprintln(out, "\nEnvironment variables: TESTLOCK_* (e.g., TESTLOCK_SCOPE, TESTLOCK_LOCK_STALE_SECONDS)")

	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return errors.NewValidationError("config file already exists").
			WithField("config").
			WithValue(configFile)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	var buf bytes.Buffer
	buf.WriteString("# testlock configuration\n")
	buf.WriteString("# Every key can be overridden with a TESTLOCK_* environment variable.\n\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(appconfig.Default()); err != nil {
		return errors.Wrap(err, "failed to encode default configuration")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "failed to encode default configuration")
	}

	if err := fsutil.WriteFileAtomic(configFile, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", configFile)
	return nil
}
