package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/schema"
)

// Login authenticates and stores the session.
func (r *Router) Login(ctx context.Context, phone, password string) (*schema.User, error) {
	sess, err := r.Client().Login(ctx, phone, password)
	if err != nil {
		return nil, err
	}
	return r.startSession(ctx, sess)
}

// Register creates an account and stores its session.
func (r *Router) Register(ctx context.Context, req gateway.RegisterRequest) (*schema.User, error) {
	sess, err := r.Client().Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.startSession(ctx, sess)
}

func (r *Router) startSession(ctx context.Context, sess *schema.Session) (*schema.User, error) {
	r.setToken(sess.Token)
	if r.store != nil {
		if err := r.store.SetSetting(ctx, cache.SettingToken, sess.Token); err != nil {
			return nil, fmt.Errorf("%w: failed to save session: %v", ErrStoreUnavailable, err)
		}
		r.saveCurrentUser(ctx, &sess.User)
	}
	return &sess.User, nil
}

func (r *Router) saveCurrentUser(ctx context.Context, u *schema.User) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := r.store.SetSetting(ctx, cache.SettingCurrentUser, string(raw)); err != nil {
		r.warnStore("save current user", err)
	}
}

// ClearSession forgets the credential and the current user. Cached records
// are kept.
func (r *Router) ClearSession(ctx context.Context) error {
	r.setToken("")
	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteSetting(ctx, cache.SettingToken); err != nil {
		return err
	}
	return r.store.DeleteSetting(ctx, cache.SettingCurrentUser)
}

// Logout clears the session and returns to the personal scope.
func (r *Router) Logout(ctx context.Context) error {
	if err := r.ClearSession(ctx); err != nil {
		return err
	}
	if r.memberships != nil {
		return r.memberships.Reset(ctx)
	}
	return nil
}

// CurrentUser returns the user stored with the session.
func (r *Router) CurrentUser(ctx context.Context) (*schema.User, error) {
	if r.store == nil {
		return nil, ErrNotLoggedIn
	}
	raw, err := r.store.GetSetting(ctx, cache.SettingCurrentUser)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, err
	}
	var u schema.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("failed to decode current user: %w", err)
	}
	return &u, nil
}

// GetProfile fetches the authenticated user. Offline it returns the stored
// user and cached=true.
func (r *Router) GetProfile(ctx context.Context) (user *schema.User, cached bool, err error) {
	if !r.LoggedIn() {
		return nil, false, ErrNotLoggedIn
	}
	u, err := r.Client().Me(ctx)
	if err == nil {
		r.saveCurrentUser(ctx, u)
		return u, false, nil
	}
	if gateway.IsOffline(err) {
		if stored, storeErr := r.CurrentUser(ctx); storeErr == nil {
			return stored, true, nil
		}
	}
	return nil, false, r.remoteErr(ctx, err)
}

// UpdateSettings changes user settings. Online only.
func (r *Router) UpdateSettings(ctx context.Context, settings map[string]any) (*schema.User, error) {
	u, err := r.Client().UpdateSettings(ctx, settings)
	if err != nil {
		return nil, r.remoteErr(ctx, err)
	}
	r.saveCurrentUser(ctx, u)
	return u, nil
}
