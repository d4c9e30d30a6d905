package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/schema"
)

func decodeCategory(rec schema.Record) (schema.Category, error) {
	var c schema.Category
	if err := rec.Decode(&c); err != nil {
		return schema.Category{}, err
	}
	c.ID = rec.ID
	c.Status = rec.Status
	return c, nil
}

func decodeCategoryRaw(raw json.RawMessage) (schema.Category, error) {
	var c schema.Category
	if err := json.Unmarshal(raw, &c); err != nil {
		return schema.Category{}, fmt.Errorf("failed to decode category: %w", err)
	}
	if c.Status == "" {
		c.Status = schema.StatusSynced
	}
	return c, nil
}

// ListCategories returns the categories of scope.
func (r *Router) ListCategories(ctx context.Context, scope schema.Scope) (categories []schema.Category, cached bool, err error) {
	raws, err := r.Client().ListCategories(ctx, scope)
	if err == nil {
		r.cacheListing(ctx, schema.ResourceCategories, raws, scope, true)

		categories = make([]schema.Category, 0, len(raws))
		for _, raw := range raws {
			c, err := decodeCategoryRaw(raw)
			if err != nil {
				return nil, false, err
			}
			categories = append(categories, c)
		}
		return categories, false, nil
	}

	if !gateway.IsOffline(err) || r.store == nil {
		return nil, false, r.remoteErr(ctx, err)
	}

	records, storeErr := r.store.QueryByScope(ctx, schema.ResourceCategories, scope)
	if storeErr != nil {
		r.warnStore("read categories", storeErr)
		return nil, false, err
	}

	categories = make([]schema.Category, 0, len(records))
	for _, rec := range records {
		c, decErr := decodeCategory(rec)
		if decErr != nil {
			r.logger.Printf("Warning: skipping cached category %s: %v", rec.ID, decErr)
			continue
		}
		categories = append(categories, c)
	}
	return categories, true, nil
}

// CreateCategory creates a category in scope, queuing it when offline.
func (r *Router) CreateCategory(ctx context.Context, scope schema.Scope, c schema.Category) (schema.Category, error) {
	c.ID = ""
	c.Status = ""
	c.GroupID = schema.Ref(scope.GroupID)
	if err := c.Validate(); err != nil {
		return schema.Category{}, fmt.Errorf("invalid category: %w", err)
	}

	raw, err := r.Client().CreateCategory(ctx, &c)
	if err == nil {
		r.cacheSynced(ctx, schema.ResourceCategories, raw)
		return decodeCategoryRaw(raw)
	}
	if !gateway.IsOffline(err) {
		return schema.Category{}, r.remoteErr(ctx, err)
	}

	c.SetDefaults()
	payload, perr := r.pendingPayload(c)
	if perr != nil {
		return schema.Category{}, perr
	}
	rec, serr := r.storePending(ctx, schema.ResourceCategories, payload, err)
	if serr != nil {
		return schema.Category{}, serr
	}
	return decodeCategory(rec)
}

// UpdateCategory applies a partial update.
func (r *Router) UpdateCategory(ctx context.Context, id string, u schema.CategoryUpdate) (schema.Category, error) {
	if schema.IsPendingID(id) {
		rec, err := r.updatePending(ctx, schema.ResourceCategories, id, u)
		if err != nil {
			return schema.Category{}, err
		}
		return decodeCategory(rec)
	}

	raw, err := r.Client().UpdateCategory(ctx, id, u)
	if err != nil {
		if gateway.IsOffline(err) {
			return schema.Category{}, offlineWrite(schema.ResourceCategories, id)
		}
		return schema.Category{}, r.remoteErr(ctx, err)
	}
	r.cacheSynced(ctx, schema.ResourceCategories, raw)
	return decodeCategoryRaw(raw)
}

// DeleteCategory removes a category.
func (r *Router) DeleteCategory(ctx context.Context, id string) error {
	if schema.IsPendingID(id) {
		return r.deletePending(ctx, schema.ResourceCategories, id)
	}

	if err := r.Client().DeleteCategory(ctx, id); err != nil {
		if gateway.IsOffline(err) {
			return offlineWrite(schema.ResourceCategories, id)
		}
		return r.remoteErr(ctx, err)
	}
	if r.store != nil {
		if err := r.store.DeleteOne(ctx, schema.ResourceCategories, id); err != nil {
			r.warnStore("delete category", err)
		}
	}
	return nil
}
