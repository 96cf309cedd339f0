// Package watcher monitors the blob directory for modifications the
// daemon did not make itself.
//
// The blob store announces every path it is about to write; anything
// else touching the directory is a foreign modification worth flagging,
// since encrypted blobs are only ever valid when written through the
// store. Foreign events are surfaced on a channel for the daemon to log
// and audit.
package watcher

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vaultd/internal/logging"
)

// Event is a modification not attributable to the daemon.
type Event struct {
	Path      string
	Op        string
	Timestamp time.Time
}

// Watcher monitors one directory for foreign modifications.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	logger    *slog.Logger

	// expected holds paths the daemon is about to write. An entry
	// suppresses events on its path until it expires.
	mu       sync.Mutex
	expected map[string]time.Time

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// expectWindow is how long an announced write suppresses events on its
// path. Renames and the temp-then-rename dance produce several events
// within moments of the announcement.
const expectWindow = 2 * time.Second

// New creates a watcher for dir.
func New(dir string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		logger:    logging.Default().WithComponent("watcher").Logger,
		expected:  make(map[string]time.Time),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of foreign modifications.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Expect marks path as about to be written by the daemon, suppressing
// the resulting filesystem events. This is the blob store's write
// observer.
func (w *Watcher) Expect(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expected[filepath.Clean(path)] = time.Now().Add(expectWindow)
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			if w.isExpected(path) {
				continue
			}
			// Temp files from our own atomic writes carry a .tmp
			// suffix and are announced via their final name only.
			if filepath.Ext(path) == ".tmp" {
				continue
			}

			ev := Event{Path: path, Op: event.Op.String(), Timestamp: time.Now()}
			w.logger.Warn("foreign modification in blob directory", "path", path, "op", ev.Op)
			select {
			case w.events <- ev:
			default:
				// Drop rather than block the loop.
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) isExpected(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	deadline, ok := w.expected[path]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(w.expected, path)
		return false
	}
	return true
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	close(w.events)
	return err
}
