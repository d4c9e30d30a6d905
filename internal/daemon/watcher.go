package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TriggerFile is the file in the state directory whose creation or
// modification requests a reconciliation pass.
const TriggerFile = "sync.request"

// InboxDir is the subdirectory of the state directory holding expense files
// waiting to be ingested.
const InboxDir = "inbox"

// FileType tells what a watched file is for.
type FileType int

const (
	// TypeTrigger is the sync.request file.
	TypeTrigger FileType = iota
	// TypeInbox is an expense file in inbox/.
	TypeInbox
)

// String returns a human-readable representation of the file type.
func (ft FileType) String() string {
	switch ft {
	case TypeTrigger:
		return "trigger"
	case TypeInbox:
		return "inbox"
	default:
		return "unknown"
	}
}

// FileEvent is a create or write of a watched file. Removals are not
// reported.
type FileEvent struct {
	Path string
	Type FileType
}

// FileWatcher watches the state directory and its inbox.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	events   chan FileEvent
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stateDir string
	inboxDir string
}

// NewFileWatcher creates a watcher. Call Start before reading events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches stateDir and stateDir/inbox. Both must exist.
func (fw *FileWatcher) Start(stateDir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	absState, err := filepath.Abs(stateDir)
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}
	fw.stateDir = absState
	fw.inboxDir = filepath.Join(absState, InboxDir)

	if err := fw.watcher.Add(fw.stateDir); err != nil {
		return fmt.Errorf("failed to watch state directory %s: %w", fw.stateDir, err)
	}
	if err := fw.watcher.Add(fw.inboxDir); err != nil {
		fw.watcher.Remove(fw.stateDir)
		return fmt.Errorf("failed to watch inbox %s: %w", fw.inboxDir, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. Safe to call twice.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the event channel. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the error channel. It is closed by Stop.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return FileEvent{}, false
	}

	absPath, err := filepath.Abs(event.Name)
	if err != nil {
		return FileEvent{}, false
	}
	dir, base := filepath.Split(absPath)
	dir = filepath.Clean(dir)

	switch {
	case dir == fw.stateDir && base == TriggerFile:
		return FileEvent{Path: absPath, Type: TypeTrigger}, true
	case dir == fw.inboxDir && strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, "."):
		return FileEvent{Path: absPath, Type: TypeInbox}, true
	}
	return FileEvent{}, false
}

// IsRunning reports whether the watcher is running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}
