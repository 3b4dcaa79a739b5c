package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/Sternrassler/graph-batch-client/pkg/graph"
	"github.com/spf13/cobra"
)

type groupSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	MemberCount int    `json:"memberCount"`
}

func newGroupsWithMembersCmd(flags *globalFlags) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "groups-with-members",
		Short: "Fetch every group with its complete member list",
		Long: `Fetch every group, then every group's members, printing each group
once its member list is complete. Member requests start while groups are
still arriving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			a, err := newApp(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(ctx); err == nil {
					err = cerr
				}
			}()

			q, err := a.scenarios.GroupsWithMembers(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			groups, members := 0, 0
			for g, err := range q.All(ctx) {
				if err != nil {
					return fmt.Errorf("groups with members: %w", err)
				}
				var out any = groupSummary{ID: g.ID, DisplayName: g.DisplayName, MemberCount: len(g.Members)}
				if full {
					out = g
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
				groups++
				members += len(g.Members)
			}

			a.logger.Info().
				Int("groups", groups).
				Int("members", members).
				Msg("Groups with members complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Print complete member lists instead of counts")
	return cmd
}

func newDeviceReportCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "device-report",
		Short: "Count devices by operating system and management state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			a, err := newApp(ctx, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(ctx); err == nil {
					err = cerr
				}
			}()

			q, err := a.scenarios.Devices(ctx)
			if err != nil {
				return err
			}

			lines, err := graph.DeviceReport(q.All(ctx))
			if err != nil {
				return fmt.Errorf("device report: %w", err)
			}
			for _, l := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
}

func newGroupMembersCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "group-members <group-id>",
		Short: "Fetch every member of one group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				q, err := a.scenarios.GroupMembers(ctx, args[0])
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				n := 0
				for m, err := range q.All(ctx) {
					if err != nil {
						return fmt.Errorf("group members: %w", err)
					}
					if err := enc.Encode(m); err != nil {
						return err
					}
					n++
				}

				a.logger.Info().Str("group", args[0]).Int("members", n).Msg("Group members complete")
				return nil
			})
		},
	}
}

type userSummary struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
	MessageCount      int    `json:"messageCount"`
}

func newUsersWithMessagesCmd(flags *globalFlags) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "users-with-messages",
		Short: "Fetch every user with their complete mailbox",
		Long: `Fetch every user, then every user's messages, printing each user once
their mailbox is complete. Users without a mailbox are printed with none.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				q, err := a.scenarios.UsersWithMessages(ctx)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				users, messages := 0, 0
				for u, err := range q.All(ctx) {
					if err != nil {
						return fmt.Errorf("users with messages: %w", err)
					}
					var out any = userSummary{ID: u.ID, UserPrincipalName: u.UserPrincipalName, MessageCount: len(u.Messages)}
					if full {
						out = u
					}
					if err := enc.Encode(out); err != nil {
						return err
					}
					users++
					messages += len(u.Messages)
				}

				a.logger.Info().
					Int("users", users).
					Int("messages", messages).
					Msg("Users with messages complete")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Print complete mailboxes instead of counts")
	return cmd
}

func newUsersDeltaCmd(flags *globalFlags) *cobra.Command {
	var deltaLink string

	cmd := &cobra.Command{
		Use:   "users-delta",
		Short: "Build the current user state and a delta link for later changes",
		Long: `Without --delta-link, take the latest delta token, download every user
with the ranged scan and apply the changes made meanwhile. With
--delta-link, print only the changes since that link.

Users are printed one JSON object per line, sorted by id. The delta link
for the next round is printed last as {"@odata.deltaLink": ...}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				var (
					users []graph.User
					next  string
				)
				if deltaLink != "" {
					changes, link, err := a.scenarios.UsersChangedSince(ctx, deltaLink)
					if err != nil {
						return err
					}
					users, next = changes, link
				} else {
					snap, err := a.scenarios.UsersDelta(ctx)
					if err != nil {
						return err
					}
					for _, id := range slices.Sorted(maps.Keys(snap.Users)) {
						users = append(users, snap.Users[id])
					}
					next = snap.DeltaLink
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, u := range users {
					if err := enc.Encode(u); err != nil {
						return err
					}
				}
				return enc.Encode(map[string]string{"@odata.deltaLink": next})
			})
		},
	}

	cmd.Flags().StringVar(&deltaLink, "delta-link", "", "Delta link from a previous run")
	return cmd
}
