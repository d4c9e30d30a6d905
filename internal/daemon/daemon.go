// Package daemon keeps the local cache reconciled in the background.
//
// Every event source funnels into Daemon.Trigger, which coalesces requests so
// that at most one extra pass is queued behind a running one:
//
//   - start-up (one pass as soon as the daemon runs)
//   - a periodic ticker
//   - the connectivity prober, when /health goes from unreachable to
//     reachable
//   - the sync.request file in the state directory, touched by the CLI
//
// The daemon also ingests expense files dropped into the inbox directory.
// Each file is created through the router in the active scope (or the
// group named in the file), so an inbox file written while offline becomes a
// pending record like any other offline create. Ingested files are removed;
// files the server rejects are renamed with a .rejected suffix.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/reconcile"
	"github.com/mezgeb/mezgeb/internal/schema"
)

// Config holds configuration for the daemon.
type Config struct {
	// StateDir holds the trigger file and the inbox.
	StateDir string

	// Interval between periodic passes.
	Interval time.Duration

	// ProbeInterval between connectivity checks. Zero disables probing.
	ProbeInterval time.Duration

	// Debounce is how long a file must be quiet before it is handled.
	Debounce time.Duration

	// OnConnectivity is called when the server becomes reachable or
	// unreachable. Optional.
	OnConnectivity func(online bool)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:      5 * time.Minute,
		ProbeInterval: 30 * time.Second,
		Debounce:      200 * time.Millisecond,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context) reconcile.Summary
}

// Pinger checks that the server is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ExpenseCreator creates expenses. Satisfied by *router.Router.
type ExpenseCreator interface {
	CreateExpense(ctx context.Context, scope schema.Scope, e schema.Expense) (schema.Expense, error)
}

// ScopeSource reports the active scope. Satisfied by *scope.Context.
type ScopeSource interface {
	Active() schema.Scope
}

// Deps are the components the daemon drives. Reconciler is required; the
// others enable probing and inbox ingestion.
type Deps struct {
	Reconciler Reconciler
	Pinger     Pinger
	Creator    ExpenseCreator
	Scopes     ScopeSource
}

// Status is a snapshot of the daemon's view of the world.
type Status struct {
	Online    bool      `json:"online"`
	Probed    bool      `json:"probed"`
	LastProbe time.Time `json:"last_probe"`
	Passes    int       `json:"passes"`
	Ingested  int       `json:"ingested"`
	Rejected  int       `json:"rejected"`
}

type queuedChange struct {
	typ FileType
	at  time.Time
}

// Daemon schedules reconciliation passes and ingests inbox files.
type Daemon struct {
	deps     Deps
	config   *Config
	inboxDir string

	watcher  *FileWatcher
	triggers chan string

	changeQueue   map[string]queuedChange
	changeQueueMu sync.Mutex

	// Serializes inbox scans from the watcher and the reconcile loop.
	ingestMu sync.Mutex

	statusMu sync.Mutex
	status   Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The state and inbox directories are created if
// missing. Use Start to run it.
func New(deps Deps, config *Config) (*Daemon, error) {
	if deps.Reconciler == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.StateDir == "" {
		return nil, fmt.Errorf("state directory cannot be empty")
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	inboxDir := filepath.Join(config.StateDir, InboxDir)
	if err := os.MkdirAll(inboxDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		deps:        deps,
		config:      config,
		inboxDir:    inboxDir,
		watcher:     watcher,
		triggers:    make(chan string, 1),
		changeQueue: make(map[string]queuedChange),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Trigger requests a reconciliation pass. Requests made while one is already
// queued are merged into it.
func (d *Daemon) Trigger(reason string) {
	select {
	case d.triggers <- reason:
		d.config.Logger.Printf("Sync requested: %s", reason)
	default:
	}
}

// Status returns the current status.
func (d *Daemon) Status() Status {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

// Start runs the daemon. It blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.watcher.Start(d.config.StateDir); err != nil {
		d.cancel()
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.config.StateDir)

	if _, err := d.IngestInbox(d.ctx); err != nil {
		d.config.Logger.Printf("Warning: initial inbox scan failed: %v", err)
	}

	d.Trigger("startup")

	d.wg.Add(3)
	go d.reconcileLoop()
	go d.watchFileEvents()
	go d.processChangeQueue()
	if d.deps.Pinger != nil && d.config.ProbeInterval > 0 {
		d.wg.Add(1)
		go d.probeLoop()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Stop(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

func (d *Daemon) reconcileLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.triggers:
		case <-ticker.C:
		}

		// Pick up files left by an earlier transient failure.
		if _, err := d.IngestInbox(d.ctx); err != nil {
			d.config.Logger.Printf("Warning: inbox scan failed: %v", err)
		}

		summary := d.deps.Reconciler.Run(d.ctx)
		if !summary.Skipped {
			d.statusMu.Lock()
			d.status.Passes++
			d.statusMu.Unlock()
		}
	}
}

func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	d.probe()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.probe()
		}
	}
}

// probe checks connectivity. Any HTTP answer counts as reachable.
func (d *Daemon) probe() {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.ProbeInterval)
	err := d.deps.Pinger.Ping(ctx)
	cancel()
	if d.ctx.Err() != nil {
		return
	}
	online := err == nil || !gateway.IsOffline(err)

	d.statusMu.Lock()
	changed := !d.status.Probed || d.status.Online != online
	cameBack := d.status.Probed && !d.status.Online && online
	d.status.Online = online
	d.status.Probed = true
	d.status.LastProbe = time.Now()
	d.statusMu.Unlock()

	if !changed {
		return
	}
	if online {
		d.config.Logger.Println("Server reachable")
	} else {
		d.config.Logger.Printf("Server unreachable: %v", err)
	}
	if d.config.OnConnectivity != nil {
		d.config.OnConnectivity(online)
	}
	if cameBack {
		d.Trigger("back online")
	}
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(event)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(event FileEvent) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[event.Path] = queuedChange{typ: event.Type, at: time.Now()}
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges handles files that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.changeQueueMu.Lock()
	ready := make(map[string]FileType)
	for path, change := range d.changeQueue {
		if now.Sub(change.at) < d.config.Debounce {
			continue
		}
		ready[path] = change.typ
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for path, typ := range ready {
		switch typ {
		case TypeTrigger:
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				d.config.Logger.Printf("Warning: failed to remove %s: %v", path, err)
			}
			d.Trigger("requested")
		case TypeInbox:
			d.ingestFile(d.ctx, path)
		}
	}
}

// IngestInbox creates every valid expense file currently in the inbox and
// returns how many were ingested.
func (d *Daemon) IngestInbox(ctx context.Context) (int, error) {
	d.ingestMu.Lock()
	defer d.ingestMu.Unlock()

	files, invalid, err := schema.ReadAllExpenseFiles(d.inboxDir)
	if err != nil {
		return 0, err
	}
	for path, err := range invalid {
		if !d.settled(path) {
			// Still being written; the watcher sees it once writes stop.
			continue
		}
		d.reject(path, err)
	}

	n := 0
	for _, f := range files {
		if d.ingest(ctx, f.Path, f.Expense) {
			n++
		}
	}
	return n, nil
}

// settled reports whether path has not been written for a debounce period.
func (d *Daemon) settled(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) >= d.config.Debounce
}

func (d *Daemon) ingestFile(ctx context.Context, path string) {
	d.ingestMu.Lock()
	defer d.ingestMu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	expense, err := schema.ReadExpenseFile(path)
	if err != nil {
		d.reject(path, err)
		return
	}
	d.ingest(ctx, path, expense)
}

// ingest creates expense and removes its file. It reports success.
func (d *Daemon) ingest(ctx context.Context, path string, expense *schema.Expense) bool {
	if d.deps.Creator == nil {
		return false
	}

	scope := expense.Scope()
	if scope.IsPersonal() && d.deps.Scopes != nil {
		scope = d.deps.Scopes.Active()
	}

	if err := expense.Validate(); err != nil {
		d.reject(path, err)
		return false
	}

	created, err := d.deps.Creator.CreateExpense(ctx, scope, *expense)
	if err != nil {
		if errors.Is(err, gateway.ErrServerRejected) || errors.Is(err, schema.ErrInvalid) {
			d.reject(path, err)
			return false
		}
		// Left in place for the next pass of the reconcile loop.
		d.config.Logger.Printf("Failed to ingest %s: %v", filepath.Base(path), err)
		return false
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.config.Logger.Printf("Warning: ingested %s but could not remove it: %v", path, err)
	}
	d.config.Logger.Printf("Ingested %s as %s (%s, %s)", filepath.Base(path), created.ID, scope, created.Status)

	d.statusMu.Lock()
	d.status.Ingested++
	d.statusMu.Unlock()
	return true
}

func (d *Daemon) reject(path string, cause error) {
	d.config.Logger.Printf("Rejected %s: %v", filepath.Base(path), cause)
	if err := os.Rename(path, path+".rejected"); err != nil && !os.IsNotExist(err) {
		d.config.Logger.Printf("Warning: failed to set aside %s: %v", path, err)
	}
	d.statusMu.Lock()
	d.status.Rejected++
	d.statusMu.Unlock()
}

// RequestSync asks a running daemon for a pass by touching the trigger file
// in stateDir.
func RequestSync(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	path := filepath.Join(stateDir, TriggerFile)
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := os.WriteFile(path, stamp, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
