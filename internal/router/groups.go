package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/schema"
)

func decodeGroupRaw(raw json.RawMessage) (schema.Group, error) {
	var g schema.Group
	if err := json.Unmarshal(raw, &g); err != nil {
		return schema.Group{}, fmt.Errorf("failed to decode group: %w", err)
	}
	return g, nil
}

// ListGroups returns the user's groups and refreshes the known memberships.
// Offline the cached groups are returned.
func (r *Router) ListGroups(ctx context.Context) (groups []schema.Group, cached bool, err error) {
	raws, err := r.Client().ListGroups(ctx)
	if err == nil {
		r.cacheListing(ctx, schema.ResourceGroups, raws, schema.Personal, true)

		groups = make([]schema.Group, 0, len(raws))
		for _, raw := range raws {
			g, err := decodeGroupRaw(raw)
			if err != nil {
				return nil, false, err
			}
			groups = append(groups, g)
		}
		r.syncMemberships(ctx, groups)
		return groups, false, nil
	}

	if !gateway.IsOffline(err) || r.store == nil {
		return nil, false, r.remoteErr(ctx, err)
	}

	records, storeErr := r.store.QueryByScope(ctx, schema.ResourceGroups, schema.Personal)
	if storeErr != nil {
		r.warnStore("read groups", storeErr)
		return nil, false, err
	}
	groups = make([]schema.Group, 0, len(records))
	for _, rec := range records {
		var g schema.Group
		if decErr := rec.Decode(&g); decErr != nil {
			r.logger.Printf("Warning: skipping cached group %s: %v", rec.ID, decErr)
			continue
		}
		groups = append(groups, g)
	}
	return groups, true, nil
}

func (r *Router) syncMemberships(ctx context.Context, groups []schema.Group) {
	if r.memberships == nil {
		return
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	if err := r.memberships.SetMemberships(ctx, ids); err != nil {
		r.warnStore("save memberships", err)
	}
}

func (r *Router) addMembership(ctx context.Context, id string) {
	if r.memberships == nil {
		return
	}
	current := r.memberships.Memberships()
	for _, m := range current {
		if m == id {
			return
		}
	}
	if err := r.memberships.SetMemberships(ctx, append(current, id)); err != nil {
		r.warnStore("save memberships", err)
	}
}

func (r *Router) removeMembership(ctx context.Context, id string) {
	if r.memberships == nil {
		return
	}
	var kept []string
	for _, m := range r.memberships.Memberships() {
		if m != id {
			kept = append(kept, m)
		}
	}
	if err := r.memberships.SetMemberships(ctx, kept); err != nil {
		r.warnStore("save memberships", err)
	}
}

// CreateGroup creates a group. Online only.
func (r *Router) CreateGroup(ctx context.Context, name, connectionID string) (schema.Group, error) {
	raw, err := r.Client().CreateGroup(ctx, name, connectionID)
	if err != nil {
		return schema.Group{}, r.remoteErr(ctx, err)
	}
	r.cacheSynced(ctx, schema.ResourceGroups, raw)
	g, err := decodeGroupRaw(raw)
	if err != nil {
		return schema.Group{}, err
	}
	r.addMembership(ctx, g.ID)
	return g, nil
}

// JoinGroup joins a partner's group. Online only.
func (r *Router) JoinGroup(ctx context.Context, partnerPhone, connectionID string) (schema.Group, error) {
	raw, err := r.Client().JoinGroup(ctx, partnerPhone, connectionID)
	if err != nil {
		return schema.Group{}, r.remoteErr(ctx, err)
	}
	r.cacheSynced(ctx, schema.ResourceGroups, raw)
	g, err := decodeGroupRaw(raw)
	if err != nil {
		return schema.Group{}, err
	}
	r.addMembership(ctx, g.ID)
	return g, nil
}

// LeaveGroup leaves a group. If it was the active scope the scope falls back
// to personal. Online only.
func (r *Router) LeaveGroup(ctx context.Context, id string) (string, error) {
	msg, err := r.Client().LeaveGroup(ctx, id)
	if err != nil {
		if gateway.IsOffline(err) {
			return "", offlineWrite(schema.ResourceGroups, id)
		}
		return "", r.remoteErr(ctx, err)
	}
	if r.store != nil {
		if err := r.store.DeleteOne(ctx, schema.ResourceGroups, id); err != nil {
			r.warnStore("delete group", err)
		}
	}
	r.removeMembership(ctx, id)
	return msg, nil
}
