package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/schema"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var groupCmd = &cobra.Command{
	Use:     "group",
	Aliases: []string{"groups", "g"},
	GroupID: "data",
	Short:   "Share expenses with a partner",
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			groups, cached, err := a.router.ListGroups(ctx)
			if err != nil {
				return err
			}
			active := a.activeScope()
			return render(cmd.OutOrStdout(), listing[schema.Group]{Items: groups, Cached: cached}, func(w io.Writer) {
				printGroups(w, groups, active)
				cachedNote(w, cached)
			})
		})
	},
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group others can join with your phone number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		connection, _ := cmd.Flags().GetString("connection")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			g, err := a.router.CreateGroup(ctx, args[0], connection)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), g, func(w io.Writer) {
				fmt.Fprintf(w, "%s Created group %s (%s)\n", ui.RenderPass("✓"), g.Name, g.ID)
				fmt.Fprintf(w, "   Switch to it with: mezgeb scope set %s\n", g.ID)
			})
		})
	},
}

var groupJoinCmd = &cobra.Command{
	Use:   "join <partner-phone>",
	Short: "Join the group of the user with this phone number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		connection, _ := cmd.Flags().GetString("connection")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			g, err := a.router.JoinGroup(ctx, args[0], connection)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), g, func(w io.Writer) {
				fmt.Fprintf(w, "%s Joined group %s (%s)\n", ui.RenderPass("✓"), g.Name, g.ID)
			})
		})
	},
}

var groupLeaveCmd = &cobra.Command{
	Use:   "leave <id>",
	Short: "Leave a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			msg, err := a.router.LeaveGroup(ctx, args[0])
			if err != nil {
				return err
			}
			if msg == "" {
				msg = "Left group " + args[0]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ui.RenderPass("✓"), msg)
			fmt.Fprintf(cmd.OutOrStdout(), "   Active scope: %s\n", a.activeScope())
			return nil
		})
	},
}

func printGroups(w io.Writer, groups []schema.Group, active schema.Scope) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No groups.")
		return
	}
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		marker := ""
		if active.GroupID == g.ID {
			marker = ui.RenderAccent("*")
		}
		members := make([]string, len(g.Members))
		for i, m := range g.Members {
			members[i] = m.String()
		}
		rows = append(rows, []string{marker, g.ID, g.Name, strings.Join(members, ", ")})
	}
	ui.Table(w, []string{"", "ID", "NAME", "MEMBERS"}, rows)
}

func init() {
	for _, c := range []*cobra.Command{groupCreateCmd, groupJoinCmd} {
		c.Flags().String("connection", "", "Connection id for realtime updates")
	}

	groupCmd.AddCommand(groupListCmd, groupCreateCmd, groupJoinCmd, groupLeaveCmd)
	rootCmd.AddCommand(groupCmd)
}
