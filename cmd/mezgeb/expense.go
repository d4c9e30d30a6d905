package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/config"
	"github.com/mezgeb/mezgeb/internal/report"
	"github.com/mezgeb/mezgeb/internal/schema"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var expenseCmd = &cobra.Command{
	Use:     "expense",
	Aliases: []string{"expenses", "e"},
	GroupID: "data",
	Short:   "List and record expenses",
}

var expenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List expenses in the active scope",
	Long: `List expenses in the active scope, newest first.

Dates accept YYYY-MM-DD or phrases such as "yesterday" or "last monday".
When the server is unreachable the cached expenses of the scope are shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			f, err := expenseFilterFromFlags(cmd, a, time.Now())
			if err != nil {
				return err
			}
			expenses, cached, err := a.router.ListExpenses(ctx, f)
			if err != nil {
				return err
			}
			names := categoryNames(ctx, a, f.Scope)
			return render(cmd.OutOrStdout(), listing[schema.Expense]{Items: expenses, Cached: cached}, func(w io.Writer) {
				printExpenses(w, expenses, names)
				cachedNote(w, cached)
			})
		})
	},
}

var expenseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record an expense",
	Long: `Record an expense in the active scope.

If the server is unreachable the expense is saved locally as pending and
pushed by the next sync.`,
	Example: `  mezgeb expense add --amount 120 --reason Injera --category Food
  mezgeb expense add -a 45.50 -r Taxi -c Transport --date yesterday`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		amountStr, _ := cmd.Flags().GetString("amount")
		reason, _ := cmd.Flags().GetString("reason")
		category, _ := cmd.Flags().GetString("category")
		dateStr, _ := cmd.Flags().GetString("date")

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("invalid --amount %q: %w", amountStr, err)
		}
		date, err := parseDate(dateStr, time.Now())
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			scope, err := scopeFromFlags(cmd, a)
			if err != nil {
				return err
			}
			categoryID, err := resolveCategory(ctx, a, scope, category)
			if err != nil {
				return err
			}
			created, err := a.router.CreateExpense(ctx, scope, schema.Expense{
				Amount:        amount,
				Reason:        reason,
				CategoryID:    schema.Ref(categoryID),
				Date:          date,
				DateEthiopian: report.ApproxEthiopianDate(date).String(),
			})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), created, func(w io.Writer) {
				printCreated(w, "expense", created.ID, created.Status)
			})
		})
	},
}

var expenseUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change an expense",
	Long: `Change the given fields of an expense.

Pending expenses are edited locally. Expenses already on the server can
only be changed while it is reachable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var u schema.ExpenseUpdate
		flags := cmd.Flags()
		if flags.Changed("amount") {
			s, _ := flags.GetString("amount")
			d, err := decimal.NewFromString(s)
			if err != nil {
				return fmt.Errorf("invalid --amount %q: %w", s, err)
			}
			u.Amount = &d
		}
		if flags.Changed("reason") {
			s, _ := flags.GetString("reason")
			u.Reason = &s
		}
		if flags.Changed("category") {
			s, _ := flags.GetString("category")
			u.CategoryID = &s
		}
		if flags.Changed("date") {
			s, _ := flags.GetString("date")
			d, err := parseDate(s, time.Now())
			if err != nil {
				return err
			}
			label := report.ApproxEthiopianDate(d).String()
			u.Date = &d
			u.DateEthiopian = &label
		}
		if u.IsEmpty() {
			return fmt.Errorf("nothing to update: pass at least one of --amount, --reason, --category, --date")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if u.CategoryID != nil {
				id, err := resolveCategory(ctx, a, a.activeScope(), *u.CategoryID)
				if err != nil {
					return err
				}
				u.CategoryID = &id
			}
			updated, err := a.router.UpdateExpense(ctx, args[0], u)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), updated, func(w io.Writer) {
				fmt.Fprintf(w, "%s Updated expense %s\n", ui.RenderPass("✓"), updated.ID)
			})
		})
	},
}

var expenseDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an expense",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.router.DeleteExpense(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted expense %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

// scopeFromFlags returns the scope named by --group, or the active one.
// --group personal selects the personal scope.
func scopeFromFlags(cmd *cobra.Command, a *app) (schema.Scope, error) {
	if !cmd.Flags().Changed("group") {
		return a.activeScope(), nil
	}
	g, _ := cmd.Flags().GetString("group")
	if g == "" || g == "personal" {
		return schema.Personal, nil
	}
	return schema.GroupScope(g), nil
}

func expenseFilterFromFlags(cmd *cobra.Command, a *app, now time.Time) (schema.ExpenseFilter, error) {
	scope, err := scopeFromFlags(cmd, a)
	if err != nil {
		return schema.ExpenseFilter{}, err
	}
	flags := cmd.Flags()
	f := schema.ExpenseFilter{Scope: scope}
	f.Search, _ = flags.GetString("search")
	if s, _ := flags.GetString("category"); s != "" {
		if f.CategoryID, err = resolveCategory(cmd.Context(), a, scope, s); err != nil {
			return f, err
		}
	}

	if s, _ := flags.GetString("from"); s != "" {
		t, err := parseDate(s, now)
		if err != nil {
			return f, err
		}
		t = startOfDay(t)
		f.DateFrom = &t
	}
	if s, _ := flags.GetString("to"); s != "" {
		t, err := parseDate(s, now)
		if err != nil {
			return f, err
		}
		t = endOfDay(t)
		f.DateTo = &t
	}
	for flag, dst := range map[string]**decimal.Decimal{"min": &f.AmountMin, "max": &f.AmountMax} {
		if s, _ := flags.GetString(flag); s != "" {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return f, fmt.Errorf("invalid --%s %q: %w", flag, s, err)
			}
			*dst = &d
		}
	}
	return f, nil
}

// categoryNames maps category ids to names for display. Best effort.
func categoryNames(ctx context.Context, a *app, scope schema.Scope) map[string]string {
	names := make(map[string]string)
	categories, _, err := a.router.ListCategories(ctx, scope)
	if err != nil {
		return names
	}
	for _, c := range categories {
		names[c.ID] = c.Icon + " " + c.Name
	}
	return names
}

func formatDate(t time.Time) string {
	if cfg.UI.Calendar == config.CalendarEthiopian {
		return report.ApproxEthiopianDate(t.Local()).String()
	}
	return t.Local().Format("2006-01-02")
}

func printExpenses(w io.Writer, expenses []schema.Expense, names map[string]string) {
	if len(expenses) == 0 {
		fmt.Fprintln(w, "No expenses.")
		return
	}

	total := decimal.Zero
	rows := make([][]string, 0, len(expenses))
	for _, e := range expenses {
		category := names[e.CategoryID.String()]
		if category == "" {
			category = e.CategoryID.String()
		}
		id := e.ID
		if e.Status == schema.StatusPending {
			id = ui.RenderWarn(id)
		}
		rows = append(rows, []string{id, formatDate(e.Date), e.Reason, category, e.Amount.StringFixed(2)})
		total = total.Add(e.Amount)
	}
	ui.Table(w, []string{"ID", "DATE", "REASON", "CATEGORY", "AMOUNT"}, rows)
	fmt.Fprintf(w, "\n%d expenses, total %s ETB\n", len(expenses), total.StringFixed(2))
}

func printCreated(w io.Writer, kind, id string, status schema.Status) {
	if status == schema.StatusPending {
		fmt.Fprintf(w, "%s Saved %s %s offline; it will sync when the server is reachable\n", ui.RenderWarn("⚠"), kind, id)
		return
	}
	fmt.Fprintf(w, "%s Created %s %s\n", ui.RenderPass("✓"), kind, id)
}

func init() {
	for _, c := range []*cobra.Command{expenseListCmd, expenseAddCmd} {
		c.Flags().String("group", "", `Group id, or "personal" (default: active scope)`)
	}

	expenseListCmd.Flags().StringP("search", "s", "", "Only reasons containing this text")
	expenseListCmd.Flags().String("from", "", "Earliest date (inclusive)")
	expenseListCmd.Flags().String("to", "", "Latest date (inclusive)")
	expenseListCmd.Flags().String("min", "", "Minimum amount")
	expenseListCmd.Flags().String("max", "", "Maximum amount")
	expenseListCmd.Flags().StringP("category", "c", "", "Category name or id")

	for _, c := range []*cobra.Command{expenseAddCmd, expenseUpdateCmd} {
		c.Flags().StringP("amount", "a", "", "Amount in birr")
		c.Flags().StringP("reason", "r", "", "What the money was spent on")
		c.Flags().StringP("category", "c", "", "Category name or id")
		c.Flags().StringP("date", "d", "now", "Date of the expense")
	}
	for _, name := range []string{"amount", "reason", "category"} {
		_ = expenseAddCmd.MarkFlagRequired(name)
	}

	expenseCmd.AddCommand(expenseListCmd, expenseAddCmd, expenseUpdateCmd, expenseDeleteCmd)
	rootCmd.AddCommand(expenseCmd)
}
