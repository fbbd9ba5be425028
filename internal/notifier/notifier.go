// Package notifier watches the log files named by the configuration and
// emits a canonical stream of change events, collapsing the OS-specific
// fsnotify event vocabulary down to the handful of cases the reactor cares
// about.
package notifier

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// EventType is the collapsed event vocabulary the reactor consumes.
type EventType int

const (
	// Modified indicates a watched file gained new lines.
	Modified EventType = iota
	// Created indicates a watched path came into existence, e.g. logrotate
	// recreating it after a rename, or an explicit create.
	Created
	// Removed indicates a watched file (or its directory entry) disappeared.
	Removed
)

func (t EventType) String() string {
	switch t {
	case Modified:
		return "modified"
	case Created:
		return "created"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a single collapsed file-change notification.
type Event struct {
	Path string
	Type EventType
}

// Error is a NotifierError: the underlying OS watch facility failed. It is
// treated as Transient by the scheduler, which logs and continues.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("notifier: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("notifier: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Notifier wraps an fsnotify.Watcher, watching a fixed set of files and
// republishing their events on a canonical channel.
type Notifier struct {
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	events  chan Event
	errors  chan error
}

// New creates a Notifier watching the given file paths. Each path is added
// individually; a path that cannot be watched (e.g. a missing file) is
// logged as a warning and skipped rather than failing New.
func New(logger zerolog.Logger, paths []string) (*Notifier, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &Error{Err: err}
	}

	n := &Notifier{
		watcher: watcher,
		logger:  logger,
		events:  make(chan Event, 64),
		errors:  make(chan error, 16),
	}

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to watch file")
			continue
		}
	}

	go n.run()

	return n, nil
}

// Events returns the channel of collapsed file-change events.
func (n *Notifier) Events() <-chan Event {
	return n.events
}

// Errors returns the channel of NotifierErrors surfaced from the underlying
// watcher.
func (n *Notifier) Errors() <-chan error {
	return n.errors
}

// Add starts watching an additional path, used when a rule's file appears
// after startup (e.g. logrotate recreating it).
func (n *Notifier) Add(path string) error {
	if err := n.watcher.Add(path); err != nil {
		return &Error{Path: path, Err: err}
	}
	return nil
}

// Close stops the watcher and its event-forwarding goroutine.
func (n *Notifier) Close() error {
	return n.watcher.Close()
}

func (n *Notifier) run() {
	defer close(n.events)
	defer close(n.errors)

	for {
		select {
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.dispatch(ev)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.errors <- &Error{Err: err}
		}
	}
}

func (n *Notifier) dispatch(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Write):
		n.events <- Event{Path: ev.Name, Type: Modified}
	case ev.Has(fsnotify.Create):
		n.events <- Event{Path: ev.Name, Type: Created}
	case ev.Has(fsnotify.Remove):
		n.events <- Event{Path: ev.Name, Type: Removed}
	case ev.Has(fsnotify.Rename):
		// The old path no longer refers to this file; whether that counts
		// as Created or Removed depends on whether something now exists at
		// it (logrotate's rename-then-recreate vs. a plain move-away).
		if _, err := os.Stat(ev.Name); err == nil {
			n.events <- Event{Path: ev.Name, Type: Created}
		} else {
			n.events <- Event{Path: ev.Name, Type: Removed}
		}
	default:
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		// logrotate recreates the file under the same path shortly after
		// removing it; re-adding the watch here lets the reactor pick the
		// new inode back up on the next Created/Modified event.
		if err := n.watcher.Add(ev.Name); err != nil {
			n.logger.Debug().Err(err).Str("path", ev.Name).Msg("re-watch after remove failed")
		}
	}
}
