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

type reportView struct {
	Scope      schema.Scope           `json:"scope"`
	Today      string                 `json:"today"`
	Series     report.Series          `json:"series"`
	Total      decimal.Decimal        `json:"total"`
	Categories []report.CategoryTotal `json:"categories"`
	Budget     report.BudgetStatus    `json:"budget"`
	Cached     bool                   `json:"cached"`
}

var reportCmd = &cobra.Command{
	Use:     "report",
	GroupID: "data",
	Short:   "Summarize spending in the active scope",
	Long: `Summarize spending in the active scope.

Periods:
  today    eight 3-hour buckets
  weekly   the last 7 days
  monthly  the last 6 months
  yearly   the months of this year

Also shows spending per category and this month's spending against the
budget limit. Works offline from the cache.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		periodStr, _ := cmd.Flags().GetString("period")
		budgetStr, _ := cmd.Flags().GetString("budget")

		period, err := report.ParsePeriod(periodStr)
		if err != nil {
			return err
		}
		limit := decimal.Zero
		if budgetStr != "" {
			if limit, err = decimal.NewFromString(budgetStr); err != nil {
				return fmt.Errorf("invalid --budget %q: %w", budgetStr, err)
			}
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			scope, err := scopeFromFlags(cmd, a)
			if err != nil {
				return err
			}
			expenses, cached, err := a.router.ListExpenses(ctx, schema.ExpenseFilter{Scope: scope})
			if err != nil {
				return err
			}

			now := time.Now()
			series, err := report.Bucket(expenses, period, now)
			if err != nil {
				return err
			}
			view := reportView{
				Scope:      scope,
				Today:      formatDate(now),
				Series:     series,
				Total:      series.Total(),
				Categories: report.ByCategory(expenses),
				Budget:     report.Budget(expenses, limit, now),
				Cached:     cached,
			}
			names := categoryNames(ctx, a, scope)

			return render(cmd.OutOrStdout(), view, func(w io.Writer) {
				printReport(w, view, names)
				cachedNote(w, cached)
			})
		})
	},
}

func printReport(w io.Writer, v reportView, names map[string]string) {
	fmt.Fprintf(w, "\n%s Spending (%s, %s)\n", ui.RenderAccent("■"), v.Series.Period, v.Scope)
	fmt.Fprintf(w, "%s\n\n", ui.RenderMuted(v.Today))
	if cfg.UI.Calendar == config.CalendarEthiopian {
		fmt.Fprintf(w, "%s\n\n", ui.RenderMuted("Ethiopian dates are approximate"))
	}

	peak := decimal.Zero
	for _, t := range v.Series.Totals {
		if t.GreaterThan(peak) {
			peak = t
		}
	}
	peakF := peak.InexactFloat64()
	rows := make([][]string, len(v.Series.Labels))
	for i, label := range v.Series.Labels {
		t := v.Series.Totals[i]
		rows[i] = []string{label, t.StringFixed(2), ui.Bar(t.InexactFloat64(), peakF, 30)}
	}
	ui.Table(w, []string{"", "ETB", ""}, rows)
	fmt.Fprintf(w, "\nTotal: %s ETB\n", v.Total.StringFixed(2))

	if len(v.Categories) > 0 {
		fmt.Fprintf(w, "\n%s By category\n\n", ui.RenderAccent("■"))
		catRows := make([][]string, len(v.Categories))
		for i, c := range v.Categories {
			name := names[c.CategoryID]
			if name == "" {
				name = c.CategoryID
			}
			catRows[i] = []string{name, fmt.Sprint(c.Count), c.Total.StringFixed(2)}
		}
		ui.Table(w, []string{"CATEGORY", "COUNT", "ETB"}, catRows)
	}

	b := v.Budget
	line := fmt.Sprintf("This month: %s of %s ETB (%s%%)", b.Spent.StringFixed(2), b.Limit.StringFixed(0), b.Percent)
	switch b.Level {
	case report.BudgetExceeded:
		fmt.Fprintf(w, "\n%s %s, budget exceeded\n", ui.RenderFail("✗"), line)
	case report.BudgetWarning:
		fmt.Fprintf(w, "\n%s %s, nearing the limit\n", ui.RenderWarn("⚠"), line)
	default:
		fmt.Fprintf(w, "\n%s %s\n", ui.RenderPass("✓"), line)
	}
}

func init() {
	reportCmd.Flags().StringP("period", "p", string(report.PeriodWeekly), "today, weekly, monthly or yearly")
	reportCmd.Flags().String("budget", "", "Monthly budget limit in birr (default 10000)")
	reportCmd.Flags().String("group", "", `Group id, or "personal" (default: active scope)`)

	rootCmd.AddCommand(reportCmd)
}
