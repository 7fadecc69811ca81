// Package watcher follows a template directory with fsnotify and reports
// debounced changes as template names.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/quill/internal/logging"
)

// DefaultDelay is the debounce window used when none is configured.
const DefaultDelay = 100 * time.Millisecond

// Watcher watches a template root and its subdirectories.
type Watcher struct {
	fs        *fsnotify.Watcher
	root      string
	debouncer *debouncer
	logger    logging.Logger

	filters  []Filter
	handlers []Handler
	mutex    sync.RWMutex
}

// ChangeEvent is one debounced change.
type ChangeEvent struct {
	Type EventType
	Path string
	// Name is the template name: Path relative to the root, slash separated.
	Name    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Filter reports whether a path is of interest.
type Filter func(path string) bool

// Handler receives each debounced batch, ordered by template name.
type Handler func(ctx context.Context, events []ChangeEvent) error

// Invalidator drops compiled templates by name.
type Invalidator interface {
	Invalidate(names ...string) int
}

type debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	output  chan []ChangeEvent
	timer   *time.Timer
	pending []ChangeEvent
	mutex   sync.Mutex
}

// New creates a watcher for the templates under root. A delay <= 0 uses
// DefaultDelay.
func New(root string, delay time.Duration, logger logging.Logger) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("template root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template root %s is not a directory", root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Watcher{
		fs:   fsw,
		root: abs,
		debouncer: &debouncer{
			delay:  delay,
			events: make(chan ChangeEvent, 100),
			output: make(chan []ChangeEvent, 10),
		},
		logger: logger.WithComponent("watcher"),
	}, nil
}

// Root returns the absolute template root.
func (w *Watcher) Root() string {
	return w.root
}

// AddFilter adds a filter; a path must pass every filter.
func (w *Watcher) AddFilter(filter Filter) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.filters = append(w.filters, filter)
}

// AddHandler adds a change handler
func (w *Watcher) AddHandler(handler Handler) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Name maps a file path to its template name, or false when the path is
// outside the root.
func (w *Watcher) Name(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// addTree watches dir and every directory below it, skipping hidden ones.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Warn(context.Background(), err, "Skipping directory", "path", path)
		}
		return nil
	})
}

// Start watches the root tree until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}

	go w.debouncer.start(ctx)
	go w.processEvents(ctx)
	go w.watchLoop(ctx)

	w.logger.Info(ctx, "Watching templates", "root", w.root, "delay", w.debouncer.delay)
	return nil
}

// Stop stops the file watcher and cleans up resources
func (w *Watcher) Stop() error {
	w.debouncer.mutex.Lock()
	if w.debouncer.timer != nil {
		w.debouncer.timer.Stop()
	}
	w.debouncer.mutex.Unlock()

	return w.fs.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleFsnotifyEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, err, "File watcher error")
		}
	}
}

func (w *Watcher) handleFsnotifyEvent(event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)

	// New directories join the watch so templates created inside them are seen.
	if statErr == nil && info.IsDir() {
		if event.Op.Has(fsnotify.Create) {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn(context.Background(), err, "Failed to watch new directory", "path", event.Name)
			}
		}
		return
	}

	name, ok := w.Name(event.Name)
	if !ok {
		return
	}

	w.mutex.RLock()
	filters := w.filters
	w.mutex.RUnlock()
	for _, filter := range filters {
		if !filter(event.Name) {
			return
		}
	}

	change := ChangeEvent{Path: event.Name, Name: name, Type: eventType(event.Op)}
	if statErr == nil {
		change.ModTime = info.ModTime()
		change.Size = info.Size()
	}

	select {
	case w.debouncer.events <- change:
	default:
		w.logger.Debug(context.Background(), "Dropping change event, queue full", "template", name)
	}
}

func eventType(op fsnotify.Op) EventType {
	switch {
	case op.Has(fsnotify.Create):
		return EventTypeCreated
	case op.Has(fsnotify.Write):
		return EventTypeModified
	case op.Has(fsnotify.Remove):
		return EventTypeDeleted
	case op.Has(fsnotify.Rename):
		return EventTypeRenamed
	default:
		return EventTypeModified
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-w.debouncer.output:
			w.dispatch(ctx, events)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, events []ChangeEvent) {
	w.mutex.RLock()
	handlers := w.handlers
	w.mutex.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, events); err != nil {
			w.logger.Error(ctx, err, "File watcher handler failed", "events", len(events))
		}
	}
}

func (d *debouncer) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.add(event)
		}
	}
}

func (d *debouncer) add(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending = append(d.pending, event)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

func (d *debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	events := coalesce(d.pending)
	d.pending = d.pending[:0]
	if len(events) == 0 {
		return
	}

	select {
	case d.output <- events:
	default:
	}
}

// coalesce keeps the last event per path, ordered by template name.
func coalesce(pending []ChangeEvent) []ChangeEvent {
	latest := make(map[string]ChangeEvent, len(pending))
	for _, event := range pending {
		latest[event.Path] = event
	}
	events := make([]ChangeEvent, 0, len(latest))
	for _, event := range latest {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Name < events[j].Name })
	return events
}

// InvalidateHandler drops every changed template, and everything built on
// it, from inv.
func InvalidateHandler(inv Invalidator, logger logging.Logger) Handler {
	return func(ctx context.Context, events []ChangeEvent) error {
		names := Names(events)
		dropped := inv.Invalidate(names...)
		if logger != nil {
			logger.Info(ctx, "Templates changed", "templates", names, "invalidated", dropped)
		}
		return nil
	}
}

// Names returns the distinct template names in events.
func Names(events []ChangeEvent) []string {
	seen := make(map[string]bool, len(events))
	names := make([]string, 0, len(events))
	for _, e := range events {
		if !seen[e.Name] {
			seen[e.Name] = true
			names = append(names, e.Name)
		}
	}
	return names
}

// ExtFilter accepts files with one of the given extensions. With no
// extensions every file passes.
func ExtFilter(exts ...string) Filter {
	return func(path string) bool {
		if len(exts) == 0 {
			return true
		}
		ext := filepath.Ext(path)
		for _, e := range exts {
			if ext == e {
				return true
			}
		}
		return false
	}
}

// NoHiddenFilter rejects dot files.
func NoHiddenFilter(path string) bool {
	return !strings.HasPrefix(filepath.Base(path), ".")
}

// NoTempFilter rejects editor backup and swap files.
func NoTempFilter(path string) bool {
	base := filepath.Base(path)
	return !strings.HasSuffix(base, "~") &&
		!strings.HasSuffix(base, ".swp") &&
		!strings.HasSuffix(base, ".swx") &&
		!strings.HasPrefix(base, ".#")
}
