package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "graph-dispatch %s\n", Version)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Build date: %s\n", BuildDate)
		},
	}
}
