package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/schema"
)

func decodeExpense(rec schema.Record) (schema.Expense, error) {
	var e schema.Expense
	if err := rec.Decode(&e); err != nil {
		return schema.Expense{}, err
	}
	e.ID = rec.ID
	e.Status = rec.Status
	return e, nil
}

func decodeExpenseRaw(raw json.RawMessage) (schema.Expense, error) {
	var e schema.Expense
	if err := json.Unmarshal(raw, &e); err != nil {
		return schema.Expense{}, fmt.Errorf("failed to decode expense: %w", err)
	}
	if e.Status == "" {
		e.Status = schema.StatusSynced
	}
	return e, nil
}

// sortExpenses orders newest first, the way the server does.
func sortExpenses(expenses []schema.Expense) {
	sort.SliceStable(expenses, func(i, j int) bool {
		return expenses[i].Date.After(expenses[j].Date)
	})
}

// ListExpenses returns the expenses of f.Scope matching f. When the server
// is unreachable the result comes from the store and cached is true.
func (r *Router) ListExpenses(ctx context.Context, f schema.ExpenseFilter) (expenses []schema.Expense, cached bool, err error) {
	raws, err := r.Client().ListExpenses(ctx, f)
	if err == nil {
		r.cacheListing(ctx, schema.ResourceExpenses, raws, f.Scope, f.IsFullListing())

		expenses = make([]schema.Expense, 0, len(raws))
		for _, raw := range raws {
			e, err := decodeExpenseRaw(raw)
			if err != nil {
				return nil, false, err
			}
			expenses = append(expenses, e)
		}
		return expenses, false, nil
	}

	if !gateway.IsOffline(err) || r.store == nil {
		return nil, false, r.remoteErr(ctx, err)
	}

	records, storeErr := r.store.QueryByScope(ctx, schema.ResourceExpenses, f.Scope)
	if storeErr != nil {
		r.warnStore("read expenses", storeErr)
		return nil, false, err
	}

	expenses = make([]schema.Expense, 0, len(records))
	for _, rec := range records {
		e, decErr := decodeExpense(rec)
		if decErr != nil {
			r.logger.Printf("Warning: skipping cached expense %s: %v", rec.ID, decErr)
			continue
		}
		if f.Match(&e) {
			expenses = append(expenses, e)
		}
	}
	sortExpenses(expenses)
	return expenses, true, nil
}

// CreateExpense creates an expense in scope. When the server is unreachable,
// or the expense refers to a category that is itself still pending, the
// expense is stored as pending and returned with its synthetic id.
func (r *Router) CreateExpense(ctx context.Context, scope schema.Scope, e schema.Expense) (schema.Expense, error) {
	e.ID = ""
	e.Status = ""
	e.GroupID = schema.Ref(scope.GroupID)
	if err := e.Validate(); err != nil {
		return schema.Expense{}, fmt.Errorf("invalid expense: %w", err)
	}

	var cause error
	if schema.IsPendingID(string(e.CategoryID)) {
		cause = fmt.Errorf("category %s is not synced yet", e.CategoryID)
	} else {
		raw, err := r.Client().CreateExpense(ctx, &e)
		if err == nil {
			r.cacheSynced(ctx, schema.ResourceExpenses, raw)
			return decodeExpenseRaw(raw)
		}
		if !gateway.IsOffline(err) {
			return schema.Expense{}, r.remoteErr(ctx, err)
		}
		cause = err
	}

	payload, err := r.pendingPayload(e)
	if err != nil {
		return schema.Expense{}, err
	}
	rec, err := r.storePending(ctx, schema.ResourceExpenses, payload, cause)
	if err != nil {
		return schema.Expense{}, err
	}
	return decodeExpense(rec)
}

// UpdateExpense applies a partial update. Pending expenses are updated
// locally; synced ones need the server.
func (r *Router) UpdateExpense(ctx context.Context, id string, u schema.ExpenseUpdate) (schema.Expense, error) {
	if schema.IsPendingID(id) {
		rec, err := r.updatePending(ctx, schema.ResourceExpenses, id, u)
		if err != nil {
			return schema.Expense{}, err
		}
		return decodeExpense(rec)
	}

	raw, err := r.Client().UpdateExpense(ctx, id, u)
	if err != nil {
		if gateway.IsOffline(err) {
			return schema.Expense{}, offlineWrite(schema.ResourceExpenses, id)
		}
		return schema.Expense{}, r.remoteErr(ctx, err)
	}
	r.cacheSynced(ctx, schema.ResourceExpenses, raw)
	return decodeExpenseRaw(raw)
}

// DeleteExpense removes an expense. Pending expenses are removed locally.
func (r *Router) DeleteExpense(ctx context.Context, id string) error {
	if schema.IsPendingID(id) {
		return r.deletePending(ctx, schema.ResourceExpenses, id)
	}

	if err := r.Client().DeleteExpense(ctx, id); err != nil {
		if gateway.IsOffline(err) {
			return offlineWrite(schema.ResourceExpenses, id)
		}
		return r.remoteErr(ctx, err)
	}
	if r.store != nil {
		if err := r.store.DeleteOne(ctx, schema.ResourceExpenses, id); err != nil {
			r.warnStore("delete expense", err)
		}
	}
	return nil
}
