// Command amon is the local agent platform CLI: it serves the UI API, runs
// one-shot prompts, and inspects projects, sessions, and events.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/amon/internal/config"
	"github.com/haasonsaas/amon/internal/errs"
)

var (
	flagDataDir  string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "amon",
		Short:         "Local agent platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default $AMON_HOME, $AMON_DATA_DIR, then ~/.amon)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newUICmd(),
		newRunCmd(),
		newProjectsCmd(),
		newSessionsCmd(),
		newEventsCmd(),
		newSandboxCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to the CLI contract: 2 for validation errors,
// 1 for operational failures.
func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindConfigInvalid, errs.KindProtocol, errs.KindMissingChatID:
		return 2
	}
	return 1
}

func dataDir() string {
	if flagDataDir != "" {
		return flagDataDir
	}
	return config.ResolveDataDir()
}

func loadConfig(overrides *config.Overrides) (*config.Config, error) {
	if overrides == nil {
		overrides = &config.Overrides{}
	}
	if flagLogLevel != "" {
		overrides.LogLevel = flagLogLevel
	}
	return config.Load(dataDir(), "", overrides)
}
