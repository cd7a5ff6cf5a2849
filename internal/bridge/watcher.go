package bridge

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

// File change kinds, shared with the cloud wire shape.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

// Watcher observes a project root recursively and emits normalized
// change events for paths that pass the ignore matcher. Directories
// the matcher excludes are not descended into at all.
type Watcher struct {
	root    string
	matcher *Matcher
	fsw     *fsnotify.Watcher
	events  chan cloud.FileChange
	logger  *slog.Logger

	mu         sync.Mutex
	suppressed map[string]struct{}
}

// NewWatcher builds a watcher over root. Call Run to start delivery.
func NewWatcher(root string, matcher *Matcher, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		root:       root,
		matcher:    matcher,
		fsw:        fsw,
		events:     make(chan cloud.FileChange, 256),
		logger:     logger.With("component", "watcher"),
		suppressed: make(map[string]struct{}),
	}

	if err := w.watchTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events is the stream of accepted changes. Closed when Run returns.
func (w *Watcher) Events() <-chan cloud.FileChange { return w.events }

// Suppress drops events for relPath until Unsuppress. The pull loop
// sets this before writing a remote change to disk so its own write
// does not echo back to the cloud.
func (w *Watcher) Suppress(relPath string) {
	w.mu.Lock()
	w.suppressed[NormalizePath(relPath)] = struct{}{}
	w.mu.Unlock()
}

// Unsuppress re-enables events for relPath.
func (w *Watcher) Unsuppress(relPath string) {
	w.mu.Lock()
	delete(w.suppressed, NormalizePath(relPath))
	w.mu.Unlock()
}

func (w *Watcher) isSuppressed(relPath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.suppressed[relPath]
	return ok
}

// Run pumps fsnotify events until ctx cancels, then closes the event
// channel. Watcher errors are logged and the loop continues; only a
// closed fsnotify channel (the watcher died underneath us) ends Run
// early with an error.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("filesystem watcher closed unexpectedly")
			}
			w.handle(ctx, ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("filesystem watcher closed unexpectedly")
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	rel = NormalizePath(rel)

	// Skip our own atomic-write temp files; the rename that finishes
	// the write emits an event for the real path.
	if base := filepath.Base(ev.Name); strings.HasPrefix(base, ".") && strings.Contains(base, ".sync-") {
		return
	}

	if w.matcher.Ignored(rel) {
		return
	}
	if w.isSuppressed(rel) {
		w.logger.Debug("suppressed echo event", "path", rel, "op", ev.Op.String())
		return
	}

	// A new directory needs a watch of its own (and may already
	// contain files created before the watch lands).
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watchTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", rel, "error", err)
			}
			return
		}
	}

	var change cloud.FileChange
	switch {
	case ev.Op.Has(fsnotify.Create):
		change = cloud.FileChange{RelativePath: rel, Kind: ChangeCreated}
	case ev.Op.Has(fsnotify.Write):
		change = cloud.FileChange{RelativePath: rel, Kind: ChangeModified}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		change = cloud.FileChange{RelativePath: rel, Kind: ChangeDeleted}
	default:
		return // chmod etc.
	}

	if change.Kind != ChangeDeleted {
		hash, err := HashFile(ev.Name)
		if err != nil {
			w.logger.Warn("failed to hash changed file", "path", rel, "error", err)
			return
		}
		if hash == "" {
			// Vanished between event and hash; the remove event follows.
			return
		}
		change.Hash = hash
	}

	select {
	case w.events <- change:
	case <-ctx.Done():
	}
}

// watchTree registers watches for dir and every descendant directory
// that passes the ignore matcher. Ignored directories are skipped
// entirely rather than filtered event by event.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("walk error", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, rerr := filepath.Rel(w.root, path); rerr == nil && rel != "." {
			if w.matcher.Ignored(NormalizePath(rel)) {
				return fs.SkipDir
			}
		}
		if werr := w.fsw.Add(path); werr != nil {
			return fmt.Errorf("watch %s: %w", path, werr)
		}
		return nil
	})
}
