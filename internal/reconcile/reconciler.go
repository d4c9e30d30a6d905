// Package reconcile replays pending local writes against the server.
//
// A pass drains every pending record through the remote API and swaps it
// for the server's copy in the local store. Categories go first so that
// expenses created against a pending category can be pointed at the real
// category id before they are sent. Within a resource, records are replayed
// in the order they were created.
//
// The reconciler is resilient: one failing record is logged and left
// pending, and the pass continues with the next. Only a 401 stops the pass
// early, since every further call would fail the same way.
//
// Passes are single-flight. Inside a process a weighted semaphore rejects
// re-entrant calls; across processes (CLI and daemon sharing one cache) a
// lease row in the store does the same. A rejected call returns a summary
// with Skipped set. While a pass runs the lease is renewed in the background
// and again before every replay; a pass that cannot renew it is cancelled,
// so no record is ever sent by two processes at once.
//
// Each record is claimed in the store for the duration of its replay. The
// router refuses to edit or delete a claimed record, so a local change can
// never be overwritten by the server copy of what was sent.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/schema"
)

// LeaseName is the store lease guarding reconciliation.
const LeaseName = "reconcile"

// DefaultLeaseTTL is how long a lease survives a crashed holder.
const DefaultLeaseTTL = 2 * time.Minute

var errLeaseLost = errors.New("reconcile lease lost")

// Store is the subset of the local record store the reconciler uses.
type Store interface {
	QueryByStatus(ctx context.Context, resource schema.Resource, status schema.Status) ([]schema.Record, error)
	ClaimPending(ctx context.Context, resource schema.Resource, id string) (schema.Record, error)
	UnclaimPending(ctx context.Context, resource schema.Resource, id string) error
	ClearClaims(ctx context.Context) error
	ReplacePending(ctx context.Context, resource schema.Resource, pendingID string, synced schema.Record) error
	RemapPendingField(ctx context.Context, resource schema.Resource, field, oldValue, newValue string) (int, error)
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Remote creates documents on the server. *router.Router satisfies it and
// clears the session on 401.
type Remote interface {
	CreateRaw(ctx context.Context, resource schema.Resource, body json.RawMessage, idempotencyKey string) (json.RawMessage, error)
}

// Summary describes one pass.
type Summary struct {
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`

	Attempted int `json:"attempted" yaml:"attempted"`
	Synced    int `json:"synced" yaml:"synced"`
	Failed    int `json:"failed" yaml:"failed"`
	Deferred  int `json:"deferred" yaml:"deferred"` // expenses waiting on a pending category
	Remaining int `json:"remaining" yaml:"remaining"`

	Skipped      bool `json:"skipped" yaml:"skipped"`
	Unauthorized bool `json:"unauthorized" yaml:"unauthorized"`
	LeaseLost    bool `json:"lease_lost,omitempty" yaml:"lease_lost,omitempty"`
}

// Config configures a Reconciler.
type Config struct {
	Store  Store
	Remote Remote

	// Logger defaults to stderr with a [reconcile] prefix.
	Logger *log.Logger

	// LeaseTTL defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration
}

// Reconciler drains pending records.
type Reconciler struct {
	store    Store
	remote   Remote
	logger   *log.Logger
	leaseTTL time.Duration
	owner    string
	sem      *semaphore.Weighted

	mu        sync.Mutex
	observers []func(Summary)
	last      *Summary
}

// New creates a reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	return &Reconciler{
		store:    cfg.Store,
		remote:   cfg.Remote,
		logger:   cfg.Logger,
		leaseTTL: cfg.LeaseTTL,
		owner:    uuid.NewString(),
		sem:      semaphore.NewWeighted(1),
	}
}

// Subscribe registers fn to receive the summary of every completed pass.
// Skipped passes are not published.
func (r *Reconciler) Subscribe(fn func(Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Last returns the summary of the most recent completed pass, if any.
func (r *Reconciler) Last() (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Summary{}, false
	}
	return *r.last, true
}

// Run performs one pass. Failures are logged, never returned.
func (r *Reconciler) Run(ctx context.Context) Summary {
	if !r.sem.TryAcquire(1) {
		return Summary{Skipped: true}
	}
	defer r.sem.Release(1)

	ok, err := r.store.AcquireLease(ctx, LeaseName, r.owner, r.leaseTTL)
	if err != nil {
		r.logger.Printf("Failed to acquire lease: %v", err)
		return Summary{Skipped: true}
	}
	if !ok {
		r.logger.Printf("Another process is reconciling, skipping")
		return Summary{Skipped: true}
	}
	defer func() {
		// Release even if ctx is done.
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), LeaseName, r.owner); err != nil {
			r.logger.Printf("Failed to release lease: %v", err)
		}
	}()

	// Claims left by a holder that died mid-replay.
	if err := r.store.ClearClaims(ctx); err != nil {
		r.logger.Printf("Failed to clear stale claims: %v", err)
	}

	summary := Summary{StartedAt: time.Now()}

	passCtx, leaseHeld := r.keepLease(ctx)
	for _, resource := range []schema.Resource{schema.ResourceCategories, schema.ResourceExpenses} {
		if stop := r.drain(passCtx, resource, &summary); stop {
			break
		}
	}
	if !leaseHeld() {
		summary.LeaseLost = true
	}

	summary.Remaining = r.countPending(context.WithoutCancel(ctx))
	summary.Duration = time.Since(summary.StartedAt)

	if summary.Attempted > 0 || summary.Remaining > 0 {
		r.logger.Printf("Pass complete: attempted=%d synced=%d failed=%d deferred=%d remaining=%d (%s)",
			summary.Attempted, summary.Synced, summary.Failed, summary.Deferred, summary.Remaining,
			summary.Duration.Round(time.Millisecond))
	}

	r.publish(summary)
	return summary
}

// drain replays every pending record of one resource. It reports whether the
// pass must stop.
func (r *Reconciler) drain(ctx context.Context, resource schema.Resource, summary *Summary) bool {
	pending, err := r.store.QueryByStatus(ctx, resource, schema.StatusPending)
	if err != nil {
		r.logger.Printf("Failed to list pending %s: %v", resource, err)
		return false
	}

	for _, rec := range pending {
		if ctx.Err() != nil {
			return true
		}

		if resource == schema.ResourceExpenses && dependsOnPendingCategory(rec) {
			summary.Deferred++
			r.logger.Printf("Deferring %s: its category is not synced yet", rec.ID)
			continue
		}

		if !r.renewLease(ctx) {
			summary.LeaseLost = true
			return true
		}

		claimed, err := r.store.ClaimPending(ctx, resource, rec.ID)
		if errors.Is(err, cache.ErrNotFound) {
			// Deleted locally since the listing.
			continue
		}
		if err != nil {
			r.logger.Printf("Failed to claim %s %s: %v", resource, rec.ID, err)
			continue
		}
		if resource == schema.ResourceExpenses && dependsOnPendingCategory(claimed) {
			r.unclaim(ctx, claimed)
			summary.Deferred++
			continue
		}

		summary.Attempted++
		if err := r.replay(ctx, claimed); err != nil {
			r.unclaim(ctx, claimed)
			summary.Failed++
			if errors.Is(err, gateway.ErrUnauthorized) {
				summary.Unauthorized = true
				r.logger.Printf("Session rejected while replaying %s; stopping", rec.ID)
				return true
			}
			r.logger.Printf("Failed to replay %s %s: %v", resource, rec.ID, err)
			continue
		}
		summary.Synced++
	}
	return false
}

// keepLease renews the lease every third of its TTL until the returned stop
// function is called. The returned context is cancelled when a renewal
// fails; stop reports whether the lease was held throughout.
func (r *Reconciler) keepLease(ctx context.Context) (context.Context, func() bool) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !r.renewLease(ctx) {
					cancel(errLeaseLost)
					return
				}
			}
		}
	}()

	return ctx, func() bool {
		close(done)
		wg.Wait()
		held := !errors.Is(context.Cause(ctx), errLeaseLost)
		cancel(nil)
		return held
	}
}

// renewLease extends the lease before a replay. It reports false when the
// lease could not be renewed or another process holds it.
func (r *Reconciler) renewLease(ctx context.Context) bool {
	ok, err := r.store.AcquireLease(ctx, LeaseName, r.owner, r.leaseTTL)
	if err != nil {
		r.logger.Printf("Failed to renew lease: %v; stopping", err)
		return false
	}
	if !ok {
		r.logger.Printf("Lease taken over by another process; stopping")
		return false
	}
	return true
}

func (r *Reconciler) unclaim(ctx context.Context, rec schema.Record) {
	if err := r.store.UnclaimPending(context.WithoutCancel(ctx), rec.Resource, rec.ID); err != nil {
		r.logger.Printf("Failed to unclaim %s %s: %v", rec.Resource, rec.ID, err)
	}
}

// replay sends one pending record and swaps in the server's copy.
func (r *Reconciler) replay(ctx context.Context, rec schema.Record) error {
	body, err := schema.StripLocalFields(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to prepare payload: %w", err)
	}

	raw, err := r.remote.CreateRaw(ctx, rec.Resource, body, rec.ID)
	if err != nil {
		return err
	}

	synced, err := schema.NewRecord(rec.Resource, raw, schema.StatusSynced)
	if err != nil {
		return fmt.Errorf("unusable server response: %w", err)
	}

	// The server has the record now; record that even if the pass is cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.ReplacePending(ctx, rec.Resource, rec.ID, synced); err != nil {
		return fmt.Errorf("failed to store synced copy: %w", err)
	}

	if rec.Resource == schema.ResourceCategories {
		n, err := r.store.RemapPendingField(ctx, schema.ResourceExpenses, "categoryId", rec.ID, synced.ID)
		if err != nil {
			return fmt.Errorf("failed to repoint expenses at category %s: %w", synced.ID, err)
		}
		if n > 0 {
			r.logger.Printf("Repointed %d pending expense(s) from %s to %s", n, rec.ID, synced.ID)
		}
	}

	r.logger.Printf("Synced %s %s -> %s", rec.Resource, rec.ID, synced.ID)
	return nil
}

func dependsOnPendingCategory(rec schema.Record) bool {
	var e struct {
		CategoryID schema.Ref `json:"categoryId"`
	}
	if err := rec.Decode(&e); err != nil {
		return false
	}
	return schema.IsPendingID(string(e.CategoryID))
}

func (r *Reconciler) countPending(ctx context.Context) int {
	total := 0
	for _, resource := range []schema.Resource{schema.ResourceCategories, schema.ResourceExpenses} {
		pending, err := r.store.QueryByStatus(ctx, resource, schema.StatusPending)
		if err != nil {
			r.logger.Printf("Failed to count pending %s: %v", resource, err)
			continue
		}
		total += len(pending)
	}
	return total
}

func (r *Reconciler) publish(s Summary) {
	r.mu.Lock()
	r.last = &s
	observers := slices.Clone(r.observers)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}
