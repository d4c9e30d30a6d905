// Package router is the single call path for reads and writes.
//
// The router is the only component that knows about both the remote API
// (package gateway) and the local record store (package cache). Every
// operation tries the server first:
//
//   - a read that succeeds is merged into the store and returned; a read that
//     cannot reach the server is answered from the store, filtered to exactly
//     the requested scope
//   - a create that cannot reach the server is stored as pending under a
//     synthetic id and returned as if it had succeeded; the reconciler later
//     replays it
//   - a 401 clears the stored session and is returned to the caller
//
// Records with a pending id never reached the server, so updates and deletes
// of them are applied locally without a network call.
//
// The store is optional. Without one the router is network-only, and store
// failures are logged and otherwise ignored.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/schema"
)

// ErrOfflineWrite is returned when a synced record is updated or deleted
// while the server is unreachable. Such edits are not queued.
var ErrOfflineWrite = fmt.Errorf("cannot change a synced record while offline: %w", gateway.ErrNetworkUnavailable)

// ErrStoreUnavailable marks failures of the local store.
var ErrStoreUnavailable = errors.New("local store unavailable")

// ErrSyncInProgress is returned when a pending record is edited or deleted
// while the reconciler is sending it. Retry once the sync has finished.
var ErrSyncInProgress = fmt.Errorf("record is being synced, try again shortly: %w", cache.ErrInFlight)

// ErrNotLoggedIn is returned by operations that need a session when there is
// none.
var ErrNotLoggedIn = errors.New("not logged in")

// Store is the subset of the local record store the router uses.
type Store interface {
	UpsertMany(ctx context.Context, resource schema.Resource, records []schema.Record, opts cache.ReplaceOptions) error
	UpsertOne(ctx context.Context, rec schema.Record) error
	DeleteOne(ctx context.Context, resource schema.Resource, id string) error
	Get(ctx context.Context, resource schema.Resource, id string) (schema.Record, error)
	QueryByScope(ctx context.Context, resource schema.Resource, scope schema.Scope) ([]schema.Record, error)
	UpdatePending(ctx context.Context, rec schema.Record) error
	DeletePending(ctx context.Context, resource schema.Resource, id string) error

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Memberships receives the group ids seen in group listings. Satisfied by
// *scope.Context.
type Memberships interface {
	Memberships() []string
	SetMemberships(ctx context.Context, groupIDs []string) error
	Reset(ctx context.Context) error
}

// Config configures a Router.
type Config struct {
	// Client is the API client. Its token is replaced by the stored session
	// token when it has none.
	Client *gateway.Client

	// Store is the local record store. Nil means network-only.
	Store Store

	// Memberships is updated from group listings. Optional.
	Memberships Memberships

	// OnPending is called after a record has been stored as pending.
	OnPending func(schema.Record)

	// Logger for warnings. Defaults to stderr with a [router] prefix.
	Logger *log.Logger

	// Now is the clock used for pending ids. Defaults to time.Now.
	Now func() time.Time
}

// Router routes reads and writes between the server and the local store.
type Router struct {
	mu     sync.RWMutex
	client *gateway.Client

	store       Store
	memberships Memberships
	onPending   func(schema.Record)
	logger      *log.Logger
	now         func() time.Time
}

// New creates a router and restores the stored session token.
func New(ctx context.Context, cfg Config) (*Router, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("router requires a gateway client")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[router] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Router{
		client:      cfg.Client,
		store:       cfg.Store,
		memberships: cfg.Memberships,
		onPending:   cfg.OnPending,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}

	if r.store != nil && cfg.Client.Token() == "" {
		token, err := r.store.GetSetting(ctx, cache.SettingToken)
		switch {
		case err == nil:
			r.client = cfg.Client.WithToken(token)
		case !errors.Is(err, cache.ErrNotFound):
			r.warnStore("load session", err)
		}
	}

	return r, nil
}

// Client returns the API client carrying the current session token.
func (r *Router) Client() *gateway.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// LoggedIn reports whether a session token is present.
func (r *Router) LoggedIn() bool {
	return r.Client().Token() != ""
}

func (r *Router) setToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = r.client.WithToken(token)
}

// remoteErr applies the side effects of a failed call and returns err.
func (r *Router) remoteErr(ctx context.Context, err error) error {
	if errors.Is(err, gateway.ErrUnauthorized) {
		if clearErr := r.ClearSession(ctx); clearErr != nil {
			r.logger.Printf("Warning: failed to clear session after 401: %v", clearErr)
		}
	}
	return err
}

func (r *Router) warnStore(op string, err error) {
	r.logger.Printf("Warning: %v: %s: %v", ErrStoreUnavailable, op, err)
}

// cacheSynced mirrors one server document into the store.
func (r *Router) cacheSynced(ctx context.Context, resource schema.Resource, raw json.RawMessage) {
	if r.store == nil {
		return
	}
	rec, err := schema.NewRecord(resource, raw, schema.StatusSynced)
	if err != nil {
		r.logger.Printf("Warning: not caching %s: %v", resource, err)
		return
	}
	if err := r.store.UpsertOne(ctx, rec); err != nil {
		r.warnStore("cache "+string(resource), err)
	}
}

// cacheListing merges a server listing. With replace set, synced records of
// scope missing from the listing are evicted.
func (r *Router) cacheListing(ctx context.Context, resource schema.Resource, raws []json.RawMessage, scope schema.Scope, replace bool) {
	if r.store == nil {
		return
	}
	records := make([]schema.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := schema.NewRecord(resource, raw, schema.StatusSynced)
		if err != nil {
			r.logger.Printf("Warning: skipping malformed %s document: %v", resource, err)
			continue
		}
		records = append(records, rec)
	}
	opts := cache.ReplaceOptions{Replace: replace, Scope: scope}
	if err := r.store.UpsertMany(ctx, resource, records, opts); err != nil {
		r.warnStore("merge "+string(resource), err)
	}
}

// storePending saves a locally created record and notifies the hook.
func (r *Router) storePending(ctx context.Context, resource schema.Resource, payload json.RawMessage, cause error) (schema.Record, error) {
	if r.store == nil {
		return schema.Record{}, fmt.Errorf("cannot queue %s without a local store: %w", resource, cause)
	}
	rec, err := schema.NewRecord(resource, payload, schema.StatusPending)
	if err != nil {
		return schema.Record{}, err
	}
	if err := r.store.UpsertOne(ctx, rec); err != nil {
		return schema.Record{}, fmt.Errorf("%w: failed to queue %s: %v (server: %v)", ErrStoreUnavailable, resource, err, cause)
	}
	if r.onPending != nil {
		r.onPending(rec)
	}
	return rec, nil
}

// pendingPayload marshals v with a fresh pending id and status.
func (r *Router) pendingPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	raw, err = schema.WithField(raw, "_id", schema.NewPendingID(r.now()))
	if err != nil {
		return nil, err
	}
	return schema.WithField(raw, "status", schema.StatusPending)
}

// updatePending applies a partial update to a pending record in the store.
func (r *Router) updatePending(ctx context.Context, resource schema.Resource, id string, update any) (schema.Record, error) {
	if r.store == nil {
		return schema.Record{}, fmt.Errorf("%s %s: %w", resource, id, cache.ErrNotFound)
	}
	rec, err := r.store.Get(ctx, resource, id)
	if err != nil {
		return schema.Record{}, err
	}
	patch, err := json.Marshal(update)
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to encode update: %w", err)
	}
	merged, err := schema.MergePayload(rec.Payload, patch)
	if err != nil {
		return schema.Record{}, err
	}
	updated, err := schema.NewRecord(resource, merged, schema.StatusPending)
	if err != nil {
		return schema.Record{}, err
	}
	if err := r.store.UpdatePending(ctx, updated); err != nil {
		return schema.Record{}, pendingWriteErr(resource, id, err)
	}
	return updated, nil
}

// deletePending drops a pending record from the store.
func (r *Router) deletePending(ctx context.Context, resource schema.Resource, id string) error {
	if r.store == nil {
		return fmt.Errorf("%s %s: %w", resource, id, cache.ErrNotFound)
	}
	if err := r.store.DeletePending(ctx, resource, id); err != nil {
		return pendingWriteErr(resource, id, err)
	}
	return nil
}

// pendingWriteErr classifies a refused write to a pending record. A record
// that vanished between read and write was synced or deleted meanwhile.
func pendingWriteErr(resource schema.Resource, id string, err error) error {
	switch {
	case errors.Is(err, cache.ErrInFlight):
		return fmt.Errorf("%s %s: %w", resource, id, ErrSyncInProgress)
	case errors.Is(err, cache.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func offlineWrite(resource schema.Resource, id string) error {
	return fmt.Errorf("%s %s: %w", resource, id, ErrOfflineWrite)
}

// CreateRaw forwards a replayed create to the server with the current
// session. 401 responses clear the session like any other call.
func (r *Router) CreateRaw(ctx context.Context, resource schema.Resource, body json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	raw, err := r.Client().CreateRaw(ctx, resource, body, idempotencyKey)
	if err != nil {
		return nil, r.remoteErr(ctx, err)
	}
	return raw, nil
}
