package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Build info (set via ldflags).
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath    string
	logLevel      string
	logFormat     string
	metricsListen string
	baseURL       string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "graph-dispatch",
		Short: "Bulk directory retrieval through batched requests",
		Long: `graph-dispatch fetches large directory collections by packing many
requests into $batch calls, keeping a bounded number of batches in flight
and retrying throttled sub-requests after their Retry-After delay.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides config")
	pf.StringVar(&flags.logFormat, "log-format", "json", "Log format (text, json)")
	pf.StringVar(&flags.metricsListen, "metrics-listen", "", "Serve /metrics and /health on this address; overrides config")
	pf.StringVar(&flags.baseURL, "base-url", "", "Service base URL; overrides config")

	rootCmd.AddCommand(
		newFetchCmd(flags),
		newGroupsWithMembersCmd(flags),
		newGroupMembersCmd(flags),
		newUsersWithMessagesCmd(flags),
		newUsersDeltaCmd(flags),
		newAssignLicensesCmd(flags),
		newRemoveLicensesCmd(flags),
		newDeviceReportCmd(flags),
		newVersionCmd(),
	)

	return rootCmd
}
