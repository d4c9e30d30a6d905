// Package scope holds the active data partition of the client.
//
// Exactly one scope is active at a time: personal, or one group the user
// belongs to. The choice and the known memberships are persisted in the
// local store so they survive restarts. Changing scope never touches records
// and never triggers a fetch; callers pass Active() explicitly into every
// scoped read or create.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/schema"
)

// ErrNotMember is returned by SetActive for a group the user is not in. The
// active scope is personal afterwards.
var ErrNotMember = errors.New("not a member of group")

// SettingsStore is the persistence the context needs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetJSONSetting(ctx context.Context, key string, v any) error
	SetJSONSetting(ctx context.Context, key string, v any) error
}

// Direction selects the neighbour for Cycle.
type Direction int

const (
	Next Direction = 1
	Prev Direction = -1
)

// Context is the persisted active scope. Safe for concurrent use.
type Context struct {
	mu          sync.RWMutex
	store       SettingsStore
	active      schema.Scope
	memberships []string
}

// Load reads the persisted scope. A missing or stale value falls back to
// personal.
func Load(ctx context.Context, store SettingsStore) (*Context, error) {
	c := &Context{store: store}

	if err := store.GetJSONSetting(ctx, cache.SettingMemberships, &c.memberships); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("failed to load memberships: %w", err)
	}

	raw, err := store.GetSetting(ctx, cache.SettingActiveScope)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load active scope: %w", err)
	}

	active, err := schema.ParseScope(raw)
	if err != nil || !c.isMember(active) {
		// Stored value is unusable; start over from personal.
		if err := c.persistActive(ctx, schema.Personal); err != nil {
			return nil, err
		}
		return c, nil
	}
	c.active = active
	return c, nil
}

// Active returns the current scope.
func (c *Context) Active() schema.Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Memberships returns the known group ids in order.
func (c *Context) Memberships() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.memberships...)
}

// Scopes returns personal followed by every group scope.
func (c *Context) Scopes() []schema.Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scopesLocked()
}

func (c *Context) scopesLocked() []schema.Scope {
	scopes := make([]schema.Scope, 0, len(c.memberships)+1)
	scopes = append(scopes, schema.Personal)
	for _, id := range c.memberships {
		scopes = append(scopes, schema.GroupScope(id))
	}
	return scopes
}

// SetActive switches to the given group, or to personal for "". A group the
// user is not in selects personal and returns ErrNotMember.
func (c *Context) SetActive(ctx context.Context, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := schema.GroupScope(groupID)
	if !c.isMember(target) {
		if err := c.persistActive(ctx, schema.Personal); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", groupID, ErrNotMember)
	}
	return c.persistActive(ctx, target)
}

// Cycle moves to the next or previous scope in [personal, g1, g2, ...],
// wrapping around, and returns the new scope.
func (c *Context) Cycle(ctx context.Context, dir Direction) (schema.Scope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scopes := c.scopesLocked()
	current := 0
	for i, s := range scopes {
		if s == c.active {
			current = i
			break
		}
	}

	n := len(scopes)
	next := scopes[((current+int(dir))%n+n)%n]
	if err := c.persistActive(ctx, next); err != nil {
		return c.active, err
	}
	return next, nil
}

// SetMemberships replaces the known groups. If the active group is no longer
// among them the context falls back to personal.
func (c *Context) SetMemberships(ctx context.Context, groupIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(groupIDs))
	seen := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if err := c.store.SetJSONSetting(ctx, cache.SettingMemberships, ids); err != nil {
		return fmt.Errorf("failed to save memberships: %w", err)
	}
	c.memberships = ids

	if !c.isMember(c.active) {
		return c.persistActive(ctx, schema.Personal)
	}
	return nil
}

// Reset forgets memberships and returns to personal. Used on logout.
func (c *Context) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.SetJSONSetting(ctx, cache.SettingMemberships, []string{}); err != nil {
		return fmt.Errorf("failed to clear memberships: %w", err)
	}
	c.memberships = nil
	return c.persistActive(ctx, schema.Personal)
}

func (c *Context) isMember(s schema.Scope) bool {
	if s.IsPersonal() {
		return true
	}
	for _, id := range c.memberships {
		if id == s.GroupID {
			return true
		}
	}
	return false
}

// persistActive writes s and makes it active. Caller holds mu.
func (c *Context) persistActive(ctx context.Context, s schema.Scope) error {
	if err := c.store.SetSetting(ctx, cache.SettingActiveScope, s.String()); err != nil {
		return fmt.Errorf("failed to save active scope: %w", err)
	}
	c.active = s
	return nil
}
