package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestExpense_Validate(t *testing.T) {
	date := time.Date(2026, 1, 10, 7, 36, 29, 0, time.UTC)

	tests := []struct {
		name    string
		expense Expense
		wantErr bool
	}{
		{
			name:    "valid",
			expense: Expense{Amount: decimal.NewFromInt(50), Reason: "Taxi", CategoryID: "c1", Date: date},
		},
		{
			name:    "negative amount",
			expense: Expense{Amount: decimal.NewFromInt(-1), Reason: "Taxi", CategoryID: "c1", Date: date},
			wantErr: true,
		},
		{
			name:    "missing reason",
			expense: Expense{Amount: decimal.NewFromInt(50), CategoryID: "c1", Date: date},
			wantErr: true,
		},
		{
			name:    "missing category",
			expense: Expense{Amount: decimal.NewFromInt(50), Reason: "Taxi", Date: date},
			wantErr: true,
		},
		{
			name:    "missing date",
			expense: Expense{Amount: decimal.NewFromInt(50), Reason: "Taxi", CategoryID: "c1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.expense.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error %v does not match ErrInvalid", err)
			}
		})
	}
}

func TestExpense_DecodePopulated(t *testing.T) {
	payload := `{
		"_id": "e1",
		"amount": 120.5,
		"reason": "Lunch",
		"categoryId": {"_id": "c1", "name": "Food", "icon": "🍔"},
		"userId": {"_id": "u1", "username": "abebe"},
		"date": "2026-01-10T07:36:29Z",
		"groupId": null
	}`

	var e Expense
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if e.CategoryID != "c1" || e.UserID != "u1" {
		t.Errorf("references not resolved: category=%q user=%q", e.CategoryID, e.UserID)
	}
	if !e.Amount.Equal(decimal.RequireFromString("120.5")) {
		t.Errorf("Amount = %s, want 120.5", e.Amount)
	}
	if !e.Scope().IsPersonal() {
		t.Errorf("Scope() = %v, want personal", e.Scope())
	}
}

func TestExpenseFilter_Match(t *testing.T) {
	jan10 := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	jan20 := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	ten := decimal.NewFromInt(10)
	hundred := decimal.NewFromInt(100)

	e := &Expense{Amount: decimal.NewFromInt(50), Reason: "Taxi to Bole", CategoryID: "c1", Date: jan10}

	tests := []struct {
		name   string
		filter ExpenseFilter
		want   bool
	}{
		{"zero filter", ExpenseFilter{}, true},
		{"search case-insensitive", ExpenseFilter{Search: "bole"}, true},
		{"search miss", ExpenseFilter{Search: "bus"}, false},
		{"date range inclusive", ExpenseFilter{DateFrom: &jan10, DateTo: &jan10}, true},
		{"date after", ExpenseFilter{DateFrom: &jan20}, false},
		{"amount range", ExpenseFilter{AmountMin: &ten, AmountMax: &hundred}, true},
		{"amount above max", ExpenseFilter{AmountMax: &ten}, false},
		{"category", ExpenseFilter{CategoryID: "c1"}, true},
		{"other category", ExpenseFilter{CategoryID: "c2"}, false},
		{"other scope", ExpenseFilter{Scope: GroupScope("g1")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(e); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpenseFilter_QueryRoundTrip(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	min := decimal.RequireFromString("12.50")
	f := ExpenseFilter{
		Scope:      GroupScope("g1"),
		Search:     "taxi",
		DateFrom:   &from,
		AmountMin:  &min,
		CategoryID: "c1",
	}

	q := f.Query()
	if q.Get("groupId") != "g1" || q.Get("search") != "taxi" || q.Get("amountMin") != "12.5" {
		t.Errorf("unexpected query: %v", q)
	}

	back, err := ParseExpenseFilter(q)
	if err != nil {
		t.Fatalf("ParseExpenseFilter failed: %v", err)
	}
	if back.Scope != f.Scope || back.Search != f.Search || back.CategoryID != f.CategoryID {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if back.DateFrom == nil || !back.DateFrom.Equal(from) {
		t.Errorf("DateFrom = %v, want %v", back.DateFrom, from)
	}
	if back.IsFullListing() {
		t.Error("filtered listing reported as full")
	}
	if !(ExpenseFilter{Scope: GroupScope("g1")}).IsFullListing() {
		t.Error("scope-only filter should be a full listing")
	}
	if _, ok := (ExpenseFilter{}).Query()["groupId"]; ok {
		t.Error("personal filter should not send groupId")
	}
}

func TestExpenseFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	e := &Expense{
		Amount:     decimal.NewFromInt(50),
		Reason:     "Taxi",
		CategoryID: "c1",
		Date:       time.Date(2026, 1, 10, 7, 36, 29, 0, time.UTC),
	}

	path, err := WriteExpenseFile(dir, "taxi", e)
	if err != nil {
		t.Fatalf("WriteExpenseFile failed: %v", err)
	}
	if filepath.Base(path) != "taxi.json" {
		t.Errorf("path = %s, want taxi.json", path)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	files, invalid, err := ReadAllExpenseFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllExpenseFiles failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	if files[0].Expense.Reason != "Taxi" || !files[0].Expense.Amount.Equal(e.Amount) {
		t.Errorf("unexpected expense: %+v", files[0].Expense)
	}
	if len(invalid) != 1 {
		t.Errorf("got %d invalid files, want 1", len(invalid))
	}

	files, _, err = ReadAllExpenseFiles(filepath.Join(dir, "missing"))
	if err != nil || len(files) != 0 {
		t.Errorf("missing dir: files=%v err=%v", files, err)
	}
}
