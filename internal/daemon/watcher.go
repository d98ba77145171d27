package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of file system change seen on the cache.
type EventOp int

const (
	// OpCreate indicates the file was created.
	OpCreate EventOp = iota
	// OpModify indicates the file was written.
	OpModify
	// OpDelete indicates the file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to the cache database or its write-ahead log.
type FileEvent struct {
	Path string
	Op   EventOp
}

// CacheWatcher watches the cache database file for writes made by any
// process. It watches the containing directory, since SQLite replaces and
// creates the -wal and -shm files as it goes.
type CacheWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	files   map[string]bool
}

// NewCacheWatcher creates a watcher. It emits nothing until Start.
func NewCacheWatcher() (*CacheWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &CacheWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the cache database at path.
func (cw *CacheWatcher) Start(path string) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return fmt.Errorf("watcher already running")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := cw.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch cache directory %s: %w", filepath.Dir(abs), err)
	}
	// -shm changes on every read, so it is not watched
	cw.files = map[string]bool{abs: true, abs + "-wal": true}

	cw.running = true
	cw.wg.Add(1)
	go cw.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited. The
// event and error channels are closed afterwards.
func (cw *CacheWatcher) Stop() error {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return cw.watcher.Close()
	}
	cw.running = false
	cw.mu.Unlock()

	close(cw.done)
	if err := cw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	cw.wg.Wait()

	close(cw.events)
	close(cw.errors)
	return nil
}

// Events returns the channel of cache file changes.
func (cw *CacheWatcher) Events() <-chan FileEvent {
	return cw.events
}

// Errors returns the channel of watch errors.
func (cw *CacheWatcher) Errors() <-chan error {
	return cw.errors
}

// IsRunning reports whether the watcher is started.
func (cw *CacheWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}

func (cw *CacheWatcher) processEvents() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := cw.convertEvent(event); ok {
				select {
				case cw.events <- fe:
				case <-cw.done:
					return
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case cw.errors <- err:
			case <-cw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event on a watched file to a FileEvent.
// Events on other files in the directory and chmod events are dropped.
func (cw *CacheWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || !cw.files[abs] {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}
	return FileEvent{Path: abs, Op: op}, true
}
