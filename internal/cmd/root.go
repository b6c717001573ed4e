package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	configcmd "github.com/Iron-Ham/testlock/internal/cmd/config"
	"github.com/Iron-Ham/testlock/internal/config"
	"github.com/Iron-Ham/testlock/internal/errors"
)

// newRootCmd builds the command tree. Each call returns a fresh tree so flag
// state never leaks between executions.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "testlock",
		Short: "Serialize test runs across unrelated processes",
		Long: `testlock lets independent processes (CI jobs, developer shells, watch-mode
runners) take turns using a shared resource that cannot be used in parallel,
such as a test database or a fixed port range.

All coordination happens through files under a state root: one lock record
and one ticket per queued waiter. Waiters are served in the order they joined.
A holder that dies or stops heartbeating is reclaimed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/testlock/config.yaml)")
	flags.String("scope", "", "lock scope: repo or machine (default repo)")
	flags.String("state-root", "", "use this directory as the state root, bypassing scope resolution")
	flags.Int("pid", 0, "pid to record as holder or waiter (default: parent pid for holders, own pid for waiters)")

	bindGlobalFlags(flags)

	rootCmd.AddCommand(
		newAcquireCmd(),
		newReleaseCmd(),
		newHeartbeatCmd(),
		newCancelCmd(),
		newCleanStaleCmd(),
		newStatusCmd(),
		newRunCmd(),
		newHistoryCmd(),
	)
	configcmd.Register(rootCmd)

	return rootCmd
}

// globalFlags maps config keys to the persistent flags that override them.
var globalFlags = []struct {
	key  string
	flag string
}{
	{"config", "config"},
	{"scope", "scope"},
	{"state_root", "state-root"},
	{"pid", "pid"},
}

func bindGlobalFlags(flags *pflag.FlagSet) {
	for _, f := range globalFlags {
		_ = viper.BindPFlag(f.key, flags.Lookup(f.flag))
	}
}

// Execute runs the root command
func Execute() error {
	return newRootCmd().Execute()
}

func initConfig() error {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	cfgFile := viper.GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, path := range config.SearchPaths() {
			viper.AddConfigPath(path)
		}
	}

	viper.SetEnvPrefix("TESTLOCK")
	// Replace dots with underscores for nested keys in env vars
	// e.g., TESTLOCK_LOCK_STALE_SECONDS for lock.stale_seconds
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return errors.NewValidationError("cannot read config file").
			WithField("config").
			WithValue(cfgFile).
			WithCause(err)
	}
	return nil
}
