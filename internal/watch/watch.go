// Package watch mirrors filesystem changes into the language server.
//
// A Watcher observes a workspace root recursively via fsnotify, debounces
// the raw event stream, and pushes the surviving changes into a Syncer so
// open documents stay consistent with the disk. Edits become document syncs,
// deletions become document closes.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"codescope/internal/lsp"
	"codescope/internal/scan"
)

// DefaultDebounce is how long the watcher waits for a path to settle before
// acting on its events. Editors commonly write a file several times in quick
// succession; one sync per burst is enough.
const DefaultDebounce = 250 * time.Millisecond

// Kind classifies a settled change.
type Kind int

const (
	// FileModified covers creation and content changes.
	FileModified Kind = iota
	// FileRemoved covers deletion and rename-away.
	FileRemoved
)

func (k Kind) String() string {
	if k == FileRemoved {
		return "removed"
	}
	return "modified"
}

// Event is one settled change, reported after the syncer has been updated.
type Event struct {
	Path string
	Rel  string
	Kind Kind
	Err  error // sync or close failure, if any
}

// Syncer receives the settled changes. *lsp.Client satisfies it.
type Syncer interface {
	SyncFile(ctx context.Context, path, content string) error
	CloseFile(ctx context.Context, path string) error
}

// Options configures a Watcher.
type Options struct {
	// Ignore holds doublestar patterns matched against the slash-separated
	// path relative to the root.
	Ignore []string

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration

	Logger *slog.Logger
}

// Watcher observes a workspace root and feeds changes to a Syncer.
type Watcher struct {
	root     string
	syncer   Syncer
	opts     Options
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	events   chan Event
	mu       sync.Mutex
	pending  map[string]Kind
	flushReq chan struct{}
}

// New creates a Watcher over root. The root and every non-ignored directory
// under it are registered before New returns, so no early change is missed.
func New(root string, syncer Syncer, opts Options) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, pattern := range opts.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.New("invalid ignore pattern " + pattern)
		}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     absRoot,
		syncer:   syncer,
		opts:     opts,
		fsw:      fsw,
		logger:   logger,
		events:   make(chan Event, 64),
		pending:  map[string]Kind{},
		flushReq: make(chan struct{}, 1),
	}

	if err := w.addRecursive(absRoot); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events reports settled changes after they reach the syncer. The channel is
// buffered; events are dropped when nobody drains it.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run processes filesystem events until ctx is done. It always returns
// ctx.Err() and closes the underlying watcher on the way out.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case fsEvent, ok := <-w.fsw.Events:
			if !ok {
				return ctx.Err()
			}
			if w.record(fsEvent) {
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return ctx.Err()
			}
			w.logger.Warn("watch error", "error", err)

		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// addRecursive registers root and every directory below it, honoring the
// same skip rules the scanner uses.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && scan.SkippedDir(d.Name()) {
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			w.logger.Debug("cannot watch directory", "path", path, "error", addErr)
		}
		return nil
	})
}

// record folds one raw fsnotify event into the pending set. It returns true
// when the debounce timer should restart.
func (w *Watcher) record(fsEvent fsnotify.Event) bool {
	path := fsEvent.Name

	// New directories join the watch immediately; their files will produce
	// their own events.
	if fsEvent.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !scan.SkippedDir(filepath.Base(path)) {
				_ = w.addRecursive(path)
			}
			return false
		}
	}

	if !scan.IsSourceFile(path) || w.ignored(path) {
		return false
	}

	var kind Kind
	switch {
	case fsEvent.Op.Has(fsnotify.Remove) || fsEvent.Op.Has(fsnotify.Rename):
		kind = FileRemoved
	case fsEvent.Op.Has(fsnotify.Create) || fsEvent.Op.Has(fsnotify.Write):
		kind = FileModified
	default:
		return false
	}

	w.mu.Lock()
	// Removal wins over an earlier write in the same burst.
	if existing, ok := w.pending[path]; !ok || existing != FileRemoved {
		w.pending[path] = kind
	}
	w.mu.Unlock()
	return true
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.opts.Ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// flush drains the pending set into the syncer.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = map[string]Kind{}
	w.mu.Unlock()

	for path, kind := range batch {
		event := Event{Path: path, Kind: kind}
		if rel, err := filepath.Rel(w.root, path); err == nil {
			event.Rel = filepath.ToSlash(rel)
		}

		switch kind {
		case FileModified:
			content, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				// Deleted between the event and the flush.
				event.Kind = FileRemoved
				event.Err = w.closeQuiet(ctx, path)
			} else if err != nil {
				event.Err = err
			} else {
				event.Err = w.syncer.SyncFile(ctx, path, string(content))
			}
		case FileRemoved:
			event.Err = w.closeQuiet(ctx, path)
		}

		if event.Err != nil {
			w.logger.Warn("watch sync failed",
				"path", event.Rel, "kind", event.Kind.String(), "error", event.Err)
		} else {
			w.logger.Debug("watch synced", "path", event.Rel, "kind", event.Kind.String())
		}

		select {
		case w.events <- event:
		default:
		}
	}
}

// closeQuiet closes a document, treating "not open" as success.
func (w *Watcher) closeQuiet(ctx context.Context, path string) error {
	err := w.syncer.CloseFile(ctx, path)
	if errors.Is(err, lsp.ErrDocumentNotOpen) {
		return nil
	}
	return err
}
