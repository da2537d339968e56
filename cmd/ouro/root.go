package main

import (
	"fmt"

	"ouro/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root ouro command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "ouro",
		Short:         "Self-modifying agent supervisor",
		Long:          "ouro runs the supervisor control loop that schedules agent tasks\nonto a pool of worker processes, and the tools to inspect it.",
		Version:       fmt.Sprintf("ouro %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $OURO_HOME/config.toml when present)")

	cmd.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newWorkerCmd(),
		newStatusCmd(),
		newStopCmd(),
		newSendCmd(),
		newRepliesCmd(),
		newLogsCmd(),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "ouro version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ouro version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ouro %s\n", appversion.String())
		},
	}
}
