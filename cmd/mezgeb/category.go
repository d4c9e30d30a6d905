package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/schema"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var categoryCmd = &cobra.Command{
	Use:     "category",
	Aliases: []string{"categories", "c"},
	GroupID: "data",
	Short:   "Manage expense categories",
}

var categoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List categories in the active scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			scope, err := scopeFromFlags(cmd, a)
			if err != nil {
				return err
			}
			categories, cached, err := a.router.ListCategories(ctx, scope)
			if err != nil {
				return err
			}
			if !all {
				visible := categories[:0]
				for _, c := range categories {
					if c.Visible() {
						visible = append(visible, c)
					}
				}
				categories = visible
			}
			return render(cmd.OutOrStdout(), listing[schema.Category]{Items: categories, Cached: cached}, func(w io.Writer) {
				printCategories(w, categories)
				cachedNote(w, cached)
			})
		})
	},
}

var categoryAddCmd = &cobra.Command{
	Use:     "add <name>",
	Short:   "Create a category",
	Example: `  mezgeb category add Food --icon 🍲 --color "#e8590c"`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		icon, _ := cmd.Flags().GetString("icon")
		color, _ := cmd.Flags().GetString("color")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			scope, err := scopeFromFlags(cmd, a)
			if err != nil {
				return err
			}
			created, err := a.router.CreateCategory(ctx, scope, schema.Category{
				Name:  args[0],
				Icon:  icon,
				Color: color,
			})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), created, func(w io.Writer) {
				printCreated(w, "category", created.ID, created.Status)
			})
		})
	},
}

var categoryUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Rename, restyle, hide or show a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var u schema.CategoryUpdate
		flags := cmd.Flags()
		if flags.Changed("name") {
			s, _ := flags.GetString("name")
			u.Name = &s
		}
		if flags.Changed("icon") {
			s, _ := flags.GetString("icon")
			u.Icon = &s
		}
		if flags.Changed("color") {
			s, _ := flags.GetString("color")
			u.Color = &s
		}
		if flags.Changed("hide") || flags.Changed("show") {
			hide, _ := flags.GetBool("hide")
			show, _ := flags.GetBool("show")
			if hide == show {
				return fmt.Errorf("pass only one of --hide or --show")
			}
			u.IsVisible = &show
		}
		if u == (schema.CategoryUpdate{}) {
			return fmt.Errorf("nothing to update: pass at least one of --name, --icon, --color, --hide, --show")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			updated, err := a.router.UpdateCategory(ctx, args[0], u)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), updated, func(w io.Writer) {
				fmt.Fprintf(w, "%s Updated category %s\n", ui.RenderPass("✓"), updated.ID)
			})
		})
	},
}

var categoryDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a category",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.router.DeleteCategory(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted category %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

func printCategories(w io.Writer, categories []schema.Category) {
	if len(categories) == 0 {
		fmt.Fprintln(w, "No categories.")
		return
	}
	rows := make([][]string, 0, len(categories))
	for _, c := range categories {
		id := c.ID
		if c.Status == schema.StatusPending {
			id = ui.RenderWarn(id)
		}
		visible := "yes"
		if !c.Visible() {
			visible = ui.RenderMuted("hidden")
		}
		rows = append(rows, []string{id, c.Icon, c.Name, c.Color, visible})
	}
	ui.Table(w, []string{"ID", "ICON", "NAME", "COLOR", "VISIBLE"}, rows)
}

func init() {
	categoryListCmd.Flags().Bool("all", false, "Include hidden categories")
	for _, c := range []*cobra.Command{categoryListCmd, categoryAddCmd} {
		c.Flags().String("group", "", `Group id, or "personal" (default: active scope)`)
	}

	categoryAddCmd.Flags().String("icon", "", "Emoji or icon name")
	categoryAddCmd.Flags().String("color", "", "Color, e.g. #e8590c")
	_ = categoryAddCmd.MarkFlagRequired("icon")

	categoryUpdateCmd.Flags().String("name", "", "New name")
	categoryUpdateCmd.Flags().String("icon", "", "New icon")
	categoryUpdateCmd.Flags().String("color", "", "New color")
	categoryUpdateCmd.Flags().Bool("hide", false, "Hide the category")
	categoryUpdateCmd.Flags().Bool("show", false, "Show the category")

	categoryCmd.AddCommand(categoryListCmd, categoryAddCmd, categoryUpdateCmd, categoryDeleteCmd)
	rootCmd.AddCommand(categoryCmd)
}

// resolveCategory turns a --category value into an id. The value may be an
// id or a category name of the scope. When only the cache could be listed
// an unmatched value is used as given.
func resolveCategory(ctx context.Context, a *app, scope schema.Scope, arg string) (string, error) {
	if arg == "" || schema.IsPendingID(arg) {
		return arg, nil
	}
	categories, cached, err := a.router.ListCategories(ctx, scope)
	if err != nil {
		return arg, nil
	}
	c, err := matchCategory(categories, arg)
	if err != nil {
		if cached {
			return arg, nil
		}
		return "", err
	}
	return c.ID, nil
}

// matchCategory finds arg by id, then by case-insensitive name. A miss
// suggests the closest name.
func matchCategory(categories []schema.Category, arg string) (schema.Category, error) {
	for _, c := range categories {
		if c.ID == arg {
			return c, nil
		}
	}
	for _, c := range categories {
		if strings.EqualFold(c.Name, arg) {
			return c, nil
		}
	}

	best, bestDist := "", -1
	for _, c := range categories {
		d := levenshtein.ComputeDistance(strings.ToLower(c.Name), strings.ToLower(arg))
		if bestDist < 0 || d < bestDist {
			best, bestDist = c.Name, d
		}
	}
	if bestDist >= 0 && bestDist <= len(arg)/2+1 {
		return schema.Category{}, fmt.Errorf("unknown category %q, did you mean %q?", arg, best)
	}
	return schema.Category{}, fmt.Errorf("unknown category %q (see 'mezgeb category list')", arg)
}
