package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/schema"
	"github.com/mezgeb/mezgeb/internal/scope"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var scopeCmd = &cobra.Command{
	Use:     "scope",
	GroupID: "data",
	Short:   "Show or switch between personal and group data",
	Long: `Every listing and every new expense or category uses the active scope:
your personal data, or one group you belong to. The choice is remembered.`,
}

type scopeView struct {
	Active schema.Scope   `json:"active"`
	Scopes []schema.Scope `json:"scopes"`
}

var scopeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active scope and the available ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScopes(cmd, func(ctx context.Context, a *app) error {
			return printScopes(cmd.OutOrStdout(), a.scopes)
		})
	},
}

var scopeSetCmd = &cobra.Command{
	Use:   "set <group-id|personal>",
	Short: "Switch to a group or back to personal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScopes(cmd, func(ctx context.Context, a *app) error {
			target := args[0]
			if target == "personal" {
				target = ""
			}
			if err := a.scopes.SetActive(ctx, target); err != nil {
				return fmt.Errorf("%w (run 'mezgeb group list' to refresh your groups)", err)
			}
			return printScopes(cmd.OutOrStdout(), a.scopes)
		})
	},
}

func cycleCmd(use, short string, dir scope.Direction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScopes(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.scopes.Cycle(ctx, dir); err != nil {
					return err
				}
				return printScopes(cmd.OutOrStdout(), a.scopes)
			})
		},
	}
}

var (
	scopeNextCmd = cycleCmd("next", "Switch to the next scope", scope.Next)
	scopePrevCmd = cycleCmd("prev", "Switch to the previous scope", scope.Prev)
)

// withScopes opens the app and insists on a cache, since the scope lives
// there.
func withScopes(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.requireStore(); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func printScopes(w io.Writer, c *scope.Context) error {
	view := scopeView{Active: c.Active(), Scopes: c.Scopes()}
	return render(w, view, func(w io.Writer) {
		for _, s := range view.Scopes {
			if s == view.Active {
				fmt.Fprintf(w, "%s %s\n", ui.RenderAccent("*"), ui.RenderAccent(s.String()))
			} else {
				fmt.Fprintf(w, "  %s\n", s)
			}
		}
	})
}

func init() {
	scopeCmd.AddCommand(scopeShowCmd, scopeSetCmd, scopeNextCmd, scopePrevCmd)
	rootCmd.AddCommand(scopeCmd)
}
