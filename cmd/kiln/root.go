package main

import (
	"fmt"

	"kiln/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root kiln command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kiln",
		Short:         "GitHub issue automation daemon",
		Long:          "kiln watches a repository for labelled issues and pull requests and\nruns an AI harness against each one as a background job.",
		Version:       fmt.Sprintf("kiln %s", appversion.Full()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().String("project", "", "repository root (default: current directory)")

	cmd.AddCommand(
		newWatchCmd(),
		newReconcileCmd(),
		newCleanupCmd(),
		newJobsCmd(),
		newStateCmd(),
		newLogsCmd(),
		newTopCmd(),
		newJobRunCmd(),
	)

	return cmd
}

// projectFlag returns the --project value inherited from the root command.
func projectFlag(cmd *cobra.Command) string {
	if f := cmd.Flag("project"); f != nil {
		return f.Value.String()
	}
	return ""
}
