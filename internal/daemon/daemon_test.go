package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/reconcile"
	"github.com/mezgeb/mezgeb/internal/schema"
)

type countingReconciler struct {
	mu   sync.Mutex
	runs int
}

func (c *countingReconciler) Run(ctx context.Context) reconcile.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	return reconcile.Summary{}
}

func (c *countingReconciler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

type recordingCreator struct {
	mu      sync.Mutex
	created []schema.Expense
	scopes  []schema.Scope
	err     error
}

func (r *recordingCreator) CreateExpense(ctx context.Context, scope schema.Scope, e schema.Expense) (schema.Expense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return schema.Expense{}, r.err
	}
	e.ID = schema.NewPendingID(time.Now())
	e.Status = schema.StatusPending
	r.created = append(r.created, e)
	r.scopes = append(r.scopes, scope)
	return e, nil
}

func (r *recordingCreator) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingCreator) snapshot() ([]schema.Expense, []schema.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.Expense(nil), r.created...), append([]schema.Scope(nil), r.scopes...)
}

type fixedScope schema.Scope

func (f fixedScope) Active() schema.Scope { return schema.Scope(f) }

// switchPinger reports offline until switched on.
type switchPinger struct {
	mu     sync.Mutex
	online bool
}

func (p *switchPinger) set(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
}

func (p *switchPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online {
		return nil
	}
	return &gateway.Error{Kind: gateway.KindNetworkUnavailable, Op: "GET /health"}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		StateDir: t.TempDir(),
		Interval: time.Hour,
		Debounce: 20 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	}
}

// startDaemon runs d until the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testExpense(reason string) *schema.Expense {
	return &schema.Expense{
		Amount:     decimal.NewFromInt(75),
		Reason:     reason,
		CategoryID: "cat-1",
		Date:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		deps    Deps
		config  *Config
		wantErr bool
	}{
		{
			name:   "valid",
			deps:   Deps{Reconciler: &countingReconciler{}},
			config: testConfig(t),
		},
		{
			name:    "nil reconciler",
			deps:    Deps{},
			config:  testConfig(t),
			wantErr: true,
		},
		{
			name:    "empty state dir",
			deps:    Deps{Reconciler: &countingReconciler{}},
			config:  &Config{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.deps, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if _, err := os.Stat(filepath.Join(tt.config.StateDir, InboxDir)); err != nil {
				t.Errorf("inbox not created: %v", err)
			}
			if d.config.Interval != time.Hour {
				t.Errorf("Interval = %v, want 1h", d.config.Interval)
			}
		})
	}
}

func TestTriggerCoalesces(t *testing.T) {
	d, err := New(Deps{Reconciler: &countingReconciler{}}, testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	d.Trigger("one")
	d.Trigger("two")
	d.Trigger("three")

	if got := len(d.triggers); got != 1 {
		t.Errorf("queued triggers = %d, want 1", got)
	}
}

func TestStartRunsInitialPass(t *testing.T) {
	rec := &countingReconciler{}
	d, err := New(Deps{Reconciler: rec}, testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "startup pass", func() bool { return rec.count() >= 1 })
	waitFor(t, "pass counted", func() bool { return d.Status().Passes >= 1 })
}

func TestTriggerFileRequestsPass(t *testing.T) {
	rec := &countingReconciler{}
	cfg := testConfig(t)
	d, err := New(Deps{Reconciler: rec}, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startDaemon(t, d)
	waitFor(t, "startup pass", func() bool { return rec.count() == 1 })

	if err := RequestSync(cfg.StateDir); err != nil {
		t.Fatalf("RequestSync() error = %v", err)
	}

	waitFor(t, "requested pass", func() bool { return rec.count() >= 2 })
	waitFor(t, "trigger file removed", func() bool {
		_, err := os.Stat(filepath.Join(cfg.StateDir, TriggerFile))
		return os.IsNotExist(err)
	})
}

func TestInboxIngestion(t *testing.T) {
	cfg := testConfig(t)
	inbox := filepath.Join(cfg.StateDir, InboxDir)
	creator := &recordingCreator{}
	active := fixedScope(schema.GroupScope("g-1"))

	// Present before start: picked up by the initial scan.
	early, err := schema.WriteExpenseFile(inbox, "early", testExpense("Early"))
	if err != nil {
		t.Fatalf("WriteExpenseFile() error = %v", err)
	}

	d, err := New(Deps{Reconciler: &countingReconciler{}, Creator: creator, Scopes: active}, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startDaemon(t, d)

	late, err := schema.WriteExpenseFile(inbox, "late", testExpense("Late"))
	if err != nil {
		t.Fatalf("WriteExpenseFile() error = %v", err)
	}

	waitFor(t, "both files ingested", func() bool { return d.Status().Ingested == 2 })

	created, scopes := creator.snapshot()
	if len(created) != 2 {
		t.Fatalf("created %d expenses, want 2", len(created))
	}
	if created[0].Reason != "Early" || created[1].Reason != "Late" {
		t.Errorf("ingested %q, %q; want Early, Late", created[0].Reason, created[1].Reason)
	}
	for i, s := range scopes {
		if s != schema.GroupScope("g-1") {
			t.Errorf("expense %d created in %s, want group:g-1", i, s)
		}
	}

	for _, path := range []string{early, late} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still present after ingestion", path)
		}
	}
}

func TestInboxRejectedFilesSetAside(t *testing.T) {
	cfg := testConfig(t)
	inbox := filepath.Join(cfg.StateDir, InboxDir)
	creator := &recordingCreator{err: &gateway.Error{
		Kind:    gateway.KindServerRejected,
		Status:  400,
		Message: "Expense validation failed",
	}}

	d, err := New(Deps{Reconciler: &countingReconciler{}, Creator: creator}, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	broken := filepath.Join(inbox, "broken.json")
	if err := os.WriteFile(broken, []byte(`{"reason":`), 0644); err != nil {
		t.Fatal(err)
	}
	// Finished writing a while ago.
	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(broken, past, past); err != nil {
		t.Fatal(err)
	}
	path, err := schema.WriteExpenseFile(inbox, "refused", testExpense("Refused"))
	if err != nil {
		t.Fatalf("WriteExpenseFile() error = %v", err)
	}

	n, err := d.IngestInbox(context.Background())
	if err != nil {
		t.Fatalf("IngestInbox() error = %v", err)
	}
	if n != 0 {
		t.Errorf("IngestInbox() = %d, want 0", n)
	}

	for _, p := range []string{filepath.Join(inbox, "broken.json"), path} {
		if _, err := os.Stat(p + ".rejected"); err != nil {
			t.Errorf("%s not set aside: %v", p, err)
		}
	}
	if got := d.Status().Rejected; got != 2 {
		t.Errorf("Rejected = %d, want 2", got)
	}
}

func TestInboxKeepsFileOnTransientFailure(t *testing.T) {
	cfg := testConfig(t)
	inbox := filepath.Join(cfg.StateDir, InboxDir)
	creator := &recordingCreator{err: &gateway.Error{Kind: gateway.KindServerError, Status: 503}}

	d, err := New(Deps{Reconciler: &countingReconciler{}, Creator: creator}, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	path, err := schema.WriteExpenseFile(inbox, "later", testExpense("Later"))
	if err != nil {
		t.Fatalf("WriteExpenseFile() error = %v", err)
	}

	if _, err := d.IngestInbox(context.Background()); err != nil {
		t.Fatalf("IngestInbox() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file should stay for retry: %v", err)
	}
}

func TestInboxRetriedOnNextPass(t *testing.T) {
	cfg := testConfig(t)
	cfg.Interval = 30 * time.Millisecond
	inbox := filepath.Join(cfg.StateDir, InboxDir)
	creator := &recordingCreator{err: &gateway.Error{Kind: gateway.KindServerError, Status: 503}}

	path, err := schema.WriteExpenseFile(inbox, "retry", testExpense("Retry"))
	if err != nil {
		t.Fatalf("WriteExpenseFile() error = %v", err)
	}

	d, err := New(Deps{Reconciler: &countingReconciler{}, Creator: creator}, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "a few passes", func() bool { return d.Status().Passes >= 2 })
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should wait for a retry: %v", err)
	}

	creator.setErr(nil)
	waitFor(t, "ingest on a later pass", func() bool {
		created, _ := creator.snapshot()
		return len(created) == 1
	})
	waitFor(t, "file removed", func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})
}

func TestInboxRejectsInvalidExpense(t *testing.T) {
	cfg := testConfig(t)
	inbox := filepath.Join(cfg.StateDir, InboxDir)
	// The creator refuses the expense the way a local validation would.
	creator := &recordingCreator{err: fmt.Errorf("invalid expense: %w", (&schema.Expense{}).Validate())}

	d, err := New(Deps{Reconciler: &countingReconciler{}, Creator: creator}, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	path, err := schema.WriteExpenseFile(inbox, "bad", testExpense("Bad"))
	if err != nil {
		t.Fatalf("WriteExpenseFile() error = %v", err)
	}

	if _, err := d.IngestInbox(context.Background()); err != nil {
		t.Fatalf("IngestInbox() error = %v", err)
	}
	if _, err := os.Stat(path + ".rejected"); err != nil {
		t.Errorf("invalid expense should be set aside: %v", err)
	}
	if got := d.Status().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestConnectivityCheckTriggersPassWhenBackOnline(t *testing.T) {
	rec := &countingReconciler{}
	pinger := &switchPinger{}
	cfg := testConfig(t)
	cfg.ProbeInterval = 20 * time.Millisecond

	var mu sync.Mutex
	var transitions []bool
	cfg.OnConnectivity = func(online bool) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, online)
	}

	d, err := New(Deps{Reconciler: rec, Pinger: pinger}, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "startup pass", func() bool { return rec.count() == 1 })
	waitFor(t, "first connectivity check", func() bool { return d.Status().Probed })
	if d.Status().Online {
		t.Fatal("expected offline before the switch")
	}

	pinger.set(true)
	waitFor(t, "pass after reconnect", func() bool { return rec.count() == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] || !transitions[1] {
		t.Errorf("transitions = %v, want [false true]", transitions)
	}
}
