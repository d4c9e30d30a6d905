// Package report aggregates expenses for charts and summaries.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mezgeb/mezgeb/internal/schema"
)

// Period selects the bucketing of a Series.
type Period string

const (
	// PeriodToday is today in eight 3-hour buckets.
	PeriodToday Period = "today"
	// PeriodWeekly is the last seven days, one bucket per day.
	PeriodWeekly Period = "weekly"
	// PeriodMonthly is the last six calendar months.
	PeriodMonthly Period = "monthly"
	// PeriodYearly is the twelve months of the current year.
	PeriodYearly Period = "yearly"
)

// Periods lists the valid periods.
var Periods = []Period{PeriodToday, PeriodWeekly, PeriodMonthly, PeriodYearly}

// ParsePeriod parses a period name, case-insensitively.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range Periods {
		if p == valid {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown period %q (want today, weekly, monthly or yearly)", s)
}

// Series is a labeled list of totals, oldest bucket first.
type Series struct {
	Period Period            `json:"period" yaml:"period"`
	Labels []string          `json:"labels" yaml:"labels"`
	Totals []decimal.Decimal `json:"totals" yaml:"totals"`
}

// Total sums every bucket.
func (s Series) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, t := range s.Totals {
		sum = sum.Add(t)
	}
	return sum
}

var hourLabels = []string{"12am", "3am", "6am", "9am", "12pm", "3pm", "6pm", "9pm"}

// Bucket sums expenses into the buckets of period ending at now. Dates are
// interpreted in now's location. Expenses outside the window are ignored.
func Bucket(expenses []schema.Expense, period Period, now time.Time) (Series, error) {
	loc := now.Location()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)

	var (
		labels []string
		keyOf  func(t time.Time) (int, bool)
	)

	switch period {
	case PeriodToday:
		labels = hourLabels
		keyOf = func(t time.Time) (int, bool) {
			if !sameDay(t, today) {
				return 0, false
			}
			return t.Hour() / 3, true
		}

	case PeriodWeekly:
		first := today.AddDate(0, 0, -6)
		for i := 0; i < 7; i++ {
			labels = append(labels, first.AddDate(0, 0, i).Format("Mon"))
		}
		keyOf = func(t time.Time) (int, bool) {
			for i := 0; i < 7; i++ {
				if sameDay(t, first.AddDate(0, 0, i)) {
					return i, true
				}
			}
			return 0, false
		}

	case PeriodMonthly:
		first := time.Date(y, m-5, 1, 0, 0, 0, 0, loc)
		for i := 0; i < 6; i++ {
			labels = append(labels, first.AddDate(0, i, 0).Format("Jan"))
		}
		keyOf = func(t time.Time) (int, bool) {
			i := monthsBetween(first, t)
			return i, i >= 0 && i < 6
		}

	case PeriodYearly:
		first := time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		for i := 0; i < 12; i++ {
			labels = append(labels, first.AddDate(0, i, 0).Format("Jan"))
		}
		keyOf = func(t time.Time) (int, bool) {
			if t.Year() != y {
				return 0, false
			}
			return int(t.Month()) - 1, true
		}

	default:
		return Series{}, fmt.Errorf("unknown period %q", period)
	}

	totals := make([]decimal.Decimal, len(labels))
	for i := range totals {
		totals[i] = decimal.Zero
	}
	for _, e := range expenses {
		if i, ok := keyOf(e.Date.In(loc)); ok {
			totals[i] = totals[i].Add(e.Amount)
		}
	}

	return Series{Period: period, Labels: append([]string(nil), labels...), Totals: totals}, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func monthsBetween(from, t time.Time) int {
	return (t.Year()-from.Year())*12 + int(t.Month()) - int(from.Month())
}

// CategoryTotal is the amount spent in one category.
type CategoryTotal struct {
	CategoryID string          `json:"categoryId" yaml:"categoryId"`
	Total      decimal.Decimal `json:"total" yaml:"total"`
	Count      int             `json:"count" yaml:"count"`
}

// ByCategory sums expenses per category, largest first.
func ByCategory(expenses []schema.Expense) []CategoryTotal {
	index := make(map[string]int)
	var out []CategoryTotal
	for _, e := range expenses {
		id := e.CategoryID.String()
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, CategoryTotal{CategoryID: id, Total: decimal.Zero})
		}
		out[i].Total = out[i].Total.Add(e.Amount)
		out[i].Count++
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Total.GreaterThan(out[j].Total)
	})
	return out
}

// BudgetLevel grades month-to-date spending against a limit.
type BudgetLevel string

const (
	BudgetOK       BudgetLevel = "ok"
	BudgetWarning  BudgetLevel = "warning" // above 80% of the limit
	BudgetExceeded BudgetLevel = "exceeded"
)

// DefaultBudgetLimit applies when the user has not set one.
var DefaultBudgetLimit = decimal.NewFromInt(10000)

// BudgetStatus is the month-to-date spending against a limit.
type BudgetStatus struct {
	Spent   decimal.Decimal `json:"spent" yaml:"spent"`
	Limit   decimal.Decimal `json:"limit" yaml:"limit"`
	Percent decimal.Decimal `json:"percent" yaml:"percent"`
	Level   BudgetLevel     `json:"level" yaml:"level"`
}

// Budget sums the expenses of now's calendar month and grades them against
// limit. A non-positive limit uses DefaultBudgetLimit.
func Budget(expenses []schema.Expense, limit decimal.Decimal, now time.Time) BudgetStatus {
	if !limit.IsPositive() {
		limit = DefaultBudgetLimit
	}
	y, m, _ := now.Date()
	spent := decimal.Zero
	for _, e := range expenses {
		d := e.Date.In(now.Location())
		if d.Year() == y && d.Month() == m {
			spent = spent.Add(e.Amount)
		}
	}

	status := BudgetStatus{
		Spent:   spent,
		Limit:   limit,
		Percent: spent.Mul(decimal.NewFromInt(100)).Div(limit).Round(0),
		Level:   BudgetOK,
	}
	switch {
	case spent.GreaterThan(limit):
		status.Level = BudgetExceeded
	case spent.GreaterThan(limit.Mul(decimal.NewFromFloat(0.8))):
		status.Level = BudgetWarning
	}
	return status
}
