package reconcile_test

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/fakeapi"
	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/reconcile"
	"github.com/mezgeb/mezgeb/internal/router"
	"github.com/mezgeb/mezgeb/internal/schema"
)

type harness struct {
	srv    *fakeapi.Server
	store  *cache.Store
	router *router.Router
	rec    *reconcile.Reconciler
	userID string
}

func setup(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	srv := fakeapi.New()
	t.Cleanup(srv.Close)
	userID, token := srv.SeedUser("0911000000", "secret", "abebe")

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema(ctx))

	quiet := log.New(io.Discard, "", 0)
	r, err := router.New(ctx, router.Config{
		Client: gateway.New(srv.URL(), gateway.WithTimeout(5*time.Second)).WithToken(token),
		Store:  store,
		Logger: quiet,
	})
	require.NoError(t, err)

	return &harness{
		srv:    srv,
		store:  store,
		router: r,
		rec:    reconcile.New(reconcile.Config{Store: store, Remote: r, Logger: quiet}),
		userID: userID,
	}
}

func (h *harness) queueExpense(t *testing.T, catID, reason string, amount int64) schema.Expense {
	t.Helper()
	h.srv.SetOffline(true)
	defer h.srv.SetOffline(false)
	e, err := h.router.CreateExpense(context.Background(), schema.Personal, schema.Expense{
		Amount:     decimal.NewFromInt(amount),
		Reason:     reason,
		CategoryID: schema.Ref(catID),
		Date:       time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, schema.IsPendingID(e.ID))
	return e
}

func serverReasons(t *testing.T, srv *fakeapi.Server) []string {
	t.Helper()
	var out []string
	for _, raw := range srv.Expenses() {
		var e schema.Expense
		require.NoError(t, json.Unmarshal(raw, &e))
		out = append(out, e.Reason)
	}
	return out
}

func TestReconcile_DrainsPendingInOrder(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")

	first := h.queueExpense(t, catID, "Breakfast", 30)
	second := h.queueExpense(t, catID, "Lunch", 60)

	summary := h.rec.Run(ctx)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 2, summary.Synced)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Remaining)

	assert.Equal(t, []string{"Breakfast", "Lunch"}, serverReasons(t, h.srv))

	for _, id := range []string{first.ID, second.ID} {
		_, err := h.store.Get(ctx, schema.ResourceExpenses, id)
		assert.ErrorIs(t, err, cache.ErrNotFound, "pending copy %s replaced", id)
	}
	synced, err := h.store.QueryByStatus(ctx, schema.ResourceExpenses, schema.StatusSynced)
	require.NoError(t, err)
	require.Len(t, synced, 2)
	for _, rec := range synced {
		assert.False(t, schema.IsPendingID(rec.ID))
		assert.NotContains(t, string(rec.Payload), `"status"`)
	}

	again := h.rec.Run(ctx)
	assert.Zero(t, again.Attempted)
	assert.Equal(t, 2, h.srv.CreateCount("expenses"))
}

func TestReconcile_FailuresStayPending(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")

	h.queueExpense(t, catID, "Rejected", 10)
	kept := h.queueExpense(t, catID, "Accepted", 20)
	_ = kept

	h.srv.FailNext(http.StatusInternalServerError, "database hiccup")
	summary := h.rec.Run(ctx)
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Remaining)

	pending, err := h.store.QueryByStatus(ctx, schema.ResourceExpenses, schema.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	summary = h.rec.Run(ctx)
	assert.Equal(t, 1, summary.Synced)
	assert.Zero(t, summary.Remaining)
	assert.ElementsMatch(t, []string{"Accepted", "Rejected"}, serverReasons(t, h.srv))
}

func TestReconcile_OfflineLosesNothing(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")

	h.queueExpense(t, catID, "Tea", 15)

	h.srv.SetOffline(true)
	summary := h.rec.Run(ctx)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Remaining)
	h.srv.SetOffline(false)

	summary = h.rec.Run(ctx)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, []string{"Tea"}, serverReasons(t, h.srv))
}

func TestReconcile_LostResponseDoesNotDuplicate(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Transport", "🚕")

	h.queueExpense(t, catID, "Taxi", 50)

	// The create lands on the server but the reply never arrives.
	h.srv.DropResponses(1)
	summary := h.rec.Run(ctx)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Remaining)
	assert.Equal(t, 1, h.srv.CreateCount("expenses"))

	summary = h.rec.Run(ctx)
	assert.Equal(t, 1, summary.Synced)
	assert.Zero(t, summary.Remaining)
	assert.Equal(t, 1, h.srv.CreateCount("expenses"), "replay answered from the idempotency key")
	assert.Len(t, h.srv.Expenses(), 1)
}

func TestReconcile_CategoriesBeforeExpenses(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.srv.SetOffline(true)
	cat, err := h.router.CreateCategory(ctx, schema.Personal, schema.Category{Name: "Gifts", Icon: "🎁"})
	require.NoError(t, err)
	h.srv.SetOffline(false)

	// Queued without a request since its category is pending.
	e, err := h.router.CreateExpense(ctx, schema.Personal, schema.Expense{
		Amount:     decimal.NewFromInt(200),
		Reason:     "Flowers",
		CategoryID: schema.Ref(cat.ID),
		Date:       time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, schema.IsPendingID(e.ID))

	summary := h.rec.Run(ctx)
	assert.Equal(t, 2, summary.Synced)
	assert.Zero(t, summary.Remaining)

	require.Len(t, h.srv.Categories(), 1)
	var serverCat schema.Category
	require.NoError(t, json.Unmarshal(h.srv.Categories()[0], &serverCat))

	require.Len(t, h.srv.Expenses(), 1)
	var serverExp schema.Expense
	require.NoError(t, json.Unmarshal(h.srv.Expenses()[0], &serverExp))
	assert.Equal(t, schema.Ref(serverCat.ID), serverExp.CategoryID)
}

func TestReconcile_ExpenseWaitsForFailedCategory(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.srv.SetOffline(true)
	cat, err := h.router.CreateCategory(ctx, schema.Personal, schema.Category{Name: "Gifts", Icon: "🎁"})
	require.NoError(t, err)
	_, err = h.router.CreateExpense(ctx, schema.Personal, schema.Expense{
		Amount:     decimal.NewFromInt(5),
		Reason:     "Card",
		CategoryID: schema.Ref(cat.ID),
		Date:       time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	h.srv.SetOffline(false)

	h.srv.FailNext(http.StatusInternalServerError, "try later")
	summary := h.rec.Run(ctx)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Deferred)
	assert.Equal(t, 2, summary.Remaining)
	assert.Empty(t, h.srv.Expenses())

	summary = h.rec.Run(ctx)
	assert.Equal(t, 2, summary.Synced)
	assert.Zero(t, summary.Remaining)
}

func TestReconcile_UnauthorizedStopsPass(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")

	h.queueExpense(t, catID, "One", 1)
	h.queueExpense(t, catID, "Two", 2)

	h.srv.RevokeTokens()
	summary := h.rec.Run(ctx)
	assert.True(t, summary.Unauthorized)
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 2, summary.Remaining)
	assert.False(t, h.router.LoggedIn())
}

func TestReconcile_SingleFlight(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	// Another process holds the lease.
	ok, err := h.store.AcquireLease(ctx, reconcile.LeaseName, "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	var published []reconcile.Summary
	h.rec.Subscribe(func(s reconcile.Summary) { published = append(published, s) })

	summary := h.rec.Run(ctx)
	assert.True(t, summary.Skipped)
	assert.Empty(t, published)
	_, ran := h.rec.Last()
	assert.False(t, ran)

	require.NoError(t, h.store.ReleaseLease(ctx, reconcile.LeaseName, "other-process"))
	summary = h.rec.Run(ctx)
	assert.False(t, summary.Skipped)
	require.Len(t, published, 1)
	last, ran := h.rec.Last()
	assert.True(t, ran)
	assert.Equal(t, summary.StartedAt, last.StartedAt)
}

// blockingRemote parks the first create until released.
type blockingRemote struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	next    reconcile.Remote
}

func (b *blockingRemote) CreateRaw(ctx context.Context, resource schema.Resource, body json.RawMessage, key string) (json.RawMessage, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.next.CreateRaw(ctx, resource, body, key)
}

func TestReconcile_ConcurrentRunsDoNotOverlap(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")
	h.queueExpense(t, catID, "Soup", 25)

	remote := &blockingRemote{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		next:    h.router,
	}
	rec := reconcile.New(reconcile.Config{Store: h.store, Remote: remote, Logger: log.New(io.Discard, "", 0)})

	done := make(chan reconcile.Summary)
	go func() { done <- rec.Run(ctx) }()

	<-remote.entered
	assert.True(t, rec.Run(ctx).Skipped, "second pass while the first is in flight")
	close(remote.release)

	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.Equal(t, 1, h.srv.CreateCount("expenses"))
}

// slowRemote delays every create and tracks how many sends of one key
// overlap.
type slowRemote struct {
	delay time.Duration
	next  reconcile.Remote

	mu       sync.Mutex
	inFlight map[string]int
	maxSeen  int
	calls    map[string]int
}

func (s *slowRemote) CreateRaw(ctx context.Context, resource schema.Resource, body json.RawMessage, key string) (json.RawMessage, error) {
	s.mu.Lock()
	s.inFlight[key]++
	s.calls[key]++
	s.maxSeen = max(s.maxSeen, s.inFlight[key])
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight[key]--
		s.mu.Unlock()
	}()

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.next.CreateRaw(ctx, resource, body, key)
}

func TestReconcile_SlowPassKeepsLease(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")
	for _, reason := range []string{"One", "Two", "Three", "Four"} {
		h.queueExpense(t, catID, reason, 10)
	}

	remote := &slowRemote{
		delay:    300 * time.Millisecond,
		next:     h.router,
		inFlight: make(map[string]int),
		calls:    make(map[string]int),
	}
	quiet := log.New(io.Discard, "", 0)
	cfg := reconcile.Config{Store: h.store, Remote: remote, Logger: quiet, LeaseTTL: 100 * time.Millisecond}
	first, second := reconcile.New(cfg), reconcile.New(cfg)

	done := make(chan reconcile.Summary)
	go func() { done <- first.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	assert.True(t, second.Run(ctx).Skipped, "lease must outlive a replay longer than its TTL")

	summary := <-done
	assert.False(t, summary.LeaseLost)
	assert.Equal(t, 4, summary.Synced)
	assert.Equal(t, 1, remote.maxSeen)
	for key, n := range remote.calls {
		assert.Equal(t, 1, n, "sends of %s", key)
	}
	assert.Equal(t, 4, h.srv.CreateCount("expenses"))
}

// stolenLeaseStore hands the lease to another owner after the first
// renewal.
type stolenLeaseStore struct {
	*cache.Store
	mu     sync.Mutex
	grants int
}

func (s *stolenLeaseStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants++
	if s.grants > 2 {
		return false, nil
	}
	return s.Store.AcquireLease(ctx, name, owner, ttl)
}

func TestReconcile_StopsWhenLeaseIsLost(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")
	for _, reason := range []string{"One", "Two", "Three"} {
		h.queueExpense(t, catID, reason, 10)
	}

	rec := reconcile.New(reconcile.Config{
		Store:    &stolenLeaseStore{Store: h.store},
		Remote:   h.router,
		Logger:   log.New(io.Discard, "", 0),
		LeaseTTL: time.Minute,
	})
	summary := rec.Run(ctx)
	assert.True(t, summary.LeaseLost)
	assert.Equal(t, 1, summary.Synced, "only the replay sent under the renewed lease")
	assert.Equal(t, 2, summary.Remaining)
	assert.Equal(t, 1, h.srv.CreateCount("expenses"))
}

func TestReconcile_EditDuringReplayIsRefused(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")
	queued := h.queueExpense(t, catID, "Old", 25)

	remote := &blockingRemote{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		next:    h.router,
	}
	rec := reconcile.New(reconcile.Config{Store: h.store, Remote: remote, Logger: log.New(io.Discard, "", 0)})

	done := make(chan reconcile.Summary)
	go func() { done <- rec.Run(ctx) }()
	<-remote.entered

	reason := "Edited while syncing"
	_, err := h.router.UpdateExpense(ctx, queued.ID, schema.ExpenseUpdate{Reason: &reason})
	assert.ErrorIs(t, err, router.ErrSyncInProgress)
	assert.ErrorIs(t, h.router.DeleteExpense(ctx, queued.ID), router.ErrSyncInProgress)

	close(remote.release)
	summary := <-done
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, []string{"Old"}, serverReasons(t, h.srv))
}

func TestReconcile_EditBeforeReplayIsSent(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	catID := h.srv.SeedCategory(h.userID, "", "Food", "🍔")
	queued := h.queueExpense(t, catID, "Old", 25)

	h.srv.SetOffline(true)
	reason := "New"
	_, err := h.router.UpdateExpense(ctx, queued.ID, schema.ExpenseUpdate{Reason: &reason})
	require.NoError(t, err)
	h.srv.SetOffline(false)

	summary := h.rec.Run(ctx)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, []string{"New"}, serverReasons(t, h.srv))
}
