package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/graph-batch-client/pkg/graph"
	"github.com/Sternrassler/graph-batch-client/pkg/handler"
	"github.com/spf13/cobra"
)

// licenseResult is one printed line of a license command.
type licenseResult struct {
	URI       string `json:"uri"`
	Succeeded bool   `json:"succeeded"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

type licenseFunc func(s *graph.Scenarios, ctx context.Context, userIDs []string, sku string) (*handler.Query[handler.OperationResult[graph.User]], error)

func newAssignLicensesCmd(flags *globalFlags) *cobra.Command {
	return newLicenseCmd(flags, "assign-licenses", "Assign a product license to users", (*graph.Scenarios).AssignLicenses)
}

func newRemoveLicensesCmd(flags *globalFlags) *cobra.Command {
	return newLicenseCmd(flags, "remove-licenses", "Remove a product license from users", (*graph.Scenarios).RemoveLicenses)
}

func newLicenseCmd(flags *globalFlags, use, short string, run licenseFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <sku-part-number> <user-id>...",
		Short: short,
		Long: short + `. The product is named by its part number, e.g.
ENTERPRISEPACK. Every user gets one result line; a failed change does not
stop the others. The command fails if any change failed.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				q, err := run(a.scenarios, ctx, args[1:], args[0])
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				succeeded, failed := 0, 0
				for r, err := range q.All(ctx) {
					if err != nil {
						return fmt.Errorf("%s: %w", use, err)
					}
					line := licenseResult{URI: r.RequestURI, Succeeded: r.Succeeded()}
					if r.Error != nil {
						line.Status = r.Error.StatusCode
						line.Error = r.Error.String()
						failed++
					} else {
						succeeded++
					}
					if err := enc.Encode(line); err != nil {
						return err
					}
				}

				a.logger.Info().
					Str("sku", args[0]).
					Int("succeeded", succeeded).
					Int("failed", failed).
					Msg("License changes complete")
				if failed > 0 {
					return fmt.Errorf("%s: %d of %d changes failed", use, failed, succeeded+failed)
				}
				return nil
			})
		},
	}
}
