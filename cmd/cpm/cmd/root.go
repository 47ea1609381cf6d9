// Package cmd provides the CLI commands for cpm.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cpmkit/cpm/internal/logging"
	"github.com/cpmkit/cpm/pkg/version"
)

var (
	flagWorkspace string
	flagJSON      bool
	flagDebug     bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the cpm CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cpm",
		Short: "Context packet manager for retrieval-augmented generation",
		Long: `cpm turns source trees into immutable, digest-identified context
packets - chunked documents, dense vectors, similarity indexes, and a
signed manifest - then resolves, verifies, and queries those packets
locally or from registries under an explicit trust policy.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("cpm version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", ".", "Workspace root directory")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Emit JSON output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
			loggingCleanup = nil
		}
	}

	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newUninstallCmd())
	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newReplayCmd())
	cmd.AddCommand(newDiffCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

func setupLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.Config{Level: "warn", WriteToStderr: true}
	if flagDebug {
		cfg = logging.DebugConfig(flagWorkspace)
	}
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}
