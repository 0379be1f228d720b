package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pl",
		Short: "Pressline — print-production scheduling",
		Long:  "Pressline schedules print-production jobs onto capacity-constrained machines.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newJobCmd())
	cmd.AddCommand(newScheduleCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newCapacityCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
