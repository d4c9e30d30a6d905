package schema

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Expense is a single spending entry.
type Expense struct {
	// ===== Identification =====
	ID string `json:"_id,omitempty"`

	// ===== Content =====
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	CategoryID Ref             `json:"categoryId"`
	UserID     Ref             `json:"userId,omitempty"`

	// ===== Dates =====
	Date          time.Time  `json:"date"`
	DateEthiopian string     `json:"dateEthiopian,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`

	// ===== Scope =====
	GroupID Ref `json:"groupId,omitempty"`

	// Status is only present on locally created records.
	Status Status `json:"status,omitempty"`
}

// Validate checks the fields the server requires.
func (e *Expense) Validate() error {
	if e.Amount.IsNegative() {
		return invalid("amount must not be negative (got %s)", e.Amount)
	}
	if strings.TrimSpace(e.Reason) == "" {
		return invalid("reason is required")
	}
	if e.CategoryID == "" {
		return invalid("categoryId is required")
	}
	if e.Date.IsZero() {
		return invalid("date is required")
	}
	return nil
}

// Scope returns the partition the expense belongs to.
func (e *Expense) Scope() Scope {
	return GroupScope(string(e.GroupID))
}

// ExpenseUpdate is a partial update. Nil fields are left unchanged.
type ExpenseUpdate struct {
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Reason        *string          `json:"reason,omitempty"`
	CategoryID    *string          `json:"categoryId,omitempty"`
	Date          *time.Time       `json:"date,omitempty"`
	DateEthiopian *string          `json:"dateEthiopian,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u ExpenseUpdate) IsEmpty() bool {
	return u.Amount == nil && u.Reason == nil && u.CategoryID == nil &&
		u.Date == nil && u.DateEthiopian == nil
}

// ExpenseFilter narrows an expense listing. The zero value lists every
// personal expense.
type ExpenseFilter struct {
	Scope Scope

	Search     string
	DateFrom   *time.Time
	DateTo     *time.Time
	AmountMin  *decimal.Decimal
	AmountMax  *decimal.Decimal
	CategoryID string
}

// IsFullListing reports whether the filter selects the whole scope.
func (f ExpenseFilter) IsFullListing() bool {
	return f.Search == "" && f.DateFrom == nil && f.DateTo == nil &&
		f.AmountMin == nil && f.AmountMax == nil && f.CategoryID == ""
}

// Query encodes the filter as the server's query parameters.
func (f ExpenseFilter) Query() url.Values {
	q := url.Values{}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.DateFrom != nil {
		q.Set("dateFrom", f.DateFrom.UTC().Format(time.RFC3339))
	}
	if f.DateTo != nil {
		q.Set("dateTo", f.DateTo.UTC().Format(time.RFC3339))
	}
	if f.AmountMin != nil {
		q.Set("amountMin", f.AmountMin.String())
	}
	if f.AmountMax != nil {
		q.Set("amountMax", f.AmountMax.String())
	}
	if f.CategoryID != "" {
		q.Set("categoryId", f.CategoryID)
	}
	if !f.Scope.IsPersonal() {
		q.Set("groupId", f.Scope.GroupID)
	}
	return q
}

// ParseExpenseFilter is the inverse of Query.
func ParseExpenseFilter(q url.Values) (ExpenseFilter, error) {
	f := ExpenseFilter{
		Scope:      GroupScope(q.Get("groupId")),
		Search:     q.Get("search"),
		CategoryID: q.Get("categoryId"),
	}
	if g := q.Get("groupId"); g == "null" || g == "undefined" {
		f.Scope = Personal
	}
	for key, dst := range map[string]**time.Time{"dateFrom": &f.DateFrom, "dateTo": &f.DateTo} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return ExpenseFilter{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = &t
		}
	}
	for key, dst := range map[string]**decimal.Decimal{"amountMin": &f.AmountMin, "amountMax": &f.AmountMax} {
		if v := q.Get(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return ExpenseFilter{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = &d
		}
	}
	return f, nil
}

// Match applies the filter to one expense the way the server does: search is
// a case-insensitive substring of the reason, ranges are inclusive.
func (f ExpenseFilter) Match(e *Expense) bool {
	if e.Scope() != f.Scope {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Reason), strings.ToLower(f.Search)) {
		return false
	}
	if f.DateFrom != nil && e.Date.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && e.Date.After(*f.DateTo) {
		return false
	}
	if f.AmountMin != nil && e.Amount.LessThan(*f.AmountMin) {
		return false
	}
	if f.AmountMax != nil && e.Amount.GreaterThan(*f.AmountMax) {
		return false
	}
	if f.CategoryID != "" && string(e.CategoryID) != f.CategoryID {
		return false
	}
	return true
}
