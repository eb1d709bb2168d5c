package fs

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/fragmenta/pkg/core"
	"github.com/aretw0/fragmenta/pkg/extract"
)

const (
	// ProcessedDir receives spooled files once appended.
	ProcessedDir = "processed"
	// FailedDir receives spooled files the engine rejected.
	FailedDir = "failed"
)

// Publisher is the part of the engine the spool watcher drives.
type Publisher interface {
	Append(ctx context.Context, m core.Member) error
}

// SpoolConfig configures a SpoolWatcher.
type SpoolConfig struct {
	Dir          string // inbox; defaults to <repository>/inbox
	Pattern      string // doublestar pattern relative to Dir; defaults to "**/*.json"
	Settle       time.Duration
	Logger       *slog.Logger
	ErrorHandler func(error)
}

// SpoolWatcher watches an inbox directory and appends every matching file
// as a member. Files are moved to processed/ or failed/ afterwards, so an
// inbox that is drained leaves nothing to replay on restart.
type SpoolWatcher struct {
	*worker.BaseWorker
	repo      *Repository // optional, for state reporting
	publisher Publisher
	cfg       SpoolConfig
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc

	ready   chan string
	mu      sync.Mutex
	pending map[string]*time.Timer

	appended atomic.Int64
	failed   atomic.Int64
}

// NewSpoolWatcher creates a watcher that is not yet started.
func NewSpoolWatcher(pub Publisher, cfg SpoolConfig) *SpoolWatcher {
	if cfg.Pattern == "" {
		cfg.Pattern = "**/*.json"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 50 * time.Millisecond
	}
	return &SpoolWatcher{
		BaseWorker: worker.NewBaseWorker("fs-spool"),
		publisher:  pub,
		cfg:        cfg,
		ready:      make(chan string, 64),
		pending:    make(map[string]*time.Timer),
	}
}

// NewSpoolWatcher creates a watcher reporting through the repository's
// state, with the inbox defaulting to <Path>/inbox.
func (r *Repository) NewSpoolWatcher(pub Publisher, cfg SpoolConfig) *SpoolWatcher {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(r.Path, "inbox")
	}
	if cfg.Logger == nil {
		cfg.Logger = r.config.Logger
	}
	w := NewSpoolWatcher(pub, cfg)
	w.repo = r
	return w
}

func (w *SpoolWatcher) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if w.cfg.Dir == "" {
		return fmt.Errorf("%w: spool directory is required", core.ErrConfiguration)
	}
	if !doublestar.ValidatePattern(w.cfg.Pattern) {
		return fmt.Errorf("%w: invalid spool pattern %q", core.ErrConfiguration, w.cfg.Pattern)
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("spool watcher already started (status: %s)", status)
	}

	for _, dir := range []string{w.cfg.Dir, filepath.Join(w.cfg.Dir, ProcessedDir), filepath.Join(w.cfg.Dir, FailedDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.recursiveAdd(watcher, w.cfg.Dir); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	if w.repo != nil {
		w.repo.setWatcherActive(true)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *SpoolWatcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *SpoolWatcher) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
			"dir":               w.cfg.Dir,
			"pattern":           w.cfg.Pattern,
			"appended":          fmt.Sprint(w.appended.Load()),
			"failed":            fmt.Sprint(w.failed.Load()),
		}
	})
}

// Counts returns how many files were appended and how many failed.
func (w *SpoolWatcher) Counts() (appended, failed int64) {
	return w.appended.Load(), w.failed.Load()
}

func (w *SpoolWatcher) recursiveAdd(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skipDir(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *SpoolWatcher) skipDir(path string) bool {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil {
		return true
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return top == ProcessedDir || top == FailedDir || strings.HasPrefix(filepath.Base(path), ".")
}

// matches reports whether path is a spool candidate.
func (w *SpoolWatcher) matches(path string) bool {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	top := strings.SplitN(rel, "/", 2)[0]
	if top == ProcessedDir || top == FailedDir {
		return false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, TempFilePrefix) {
		return false
	}
	ok, err := doublestar.Match(w.cfg.Pattern, rel)
	return err == nil && ok
}

// sweep appends files already waiting in the inbox, in lexical order.
func (w *SpoolWatcher) sweep(ctx context.Context) error {
	matches, err := doublestar.Glob(os.DirFS(w.cfg.Dir), w.cfg.Pattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("failed to list spool directory: %w", err)
	}
	sort.Strings(matches)
	for _, rel := range matches {
		if ctx.Err() != nil {
			return nil
		}
		path := filepath.Join(w.cfg.Dir, filepath.FromSlash(rel))
		if w.matches(path) {
			w.handle(ctx, path)
		}
	}
	return nil
}

// schedule debounces writes so a file is read once its writer settles.
func (w *SpoolWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case w.ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *SpoolWatcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// handle appends one file and moves it out of the inbox.
func (w *SpoolWatcher) handle(ctx context.Context, path string) {
	payload, err := os.ReadFile(path)
	if err != nil {
		// Already moved or removed by its writer.
		if w.cfg.Logger != nil {
			w.cfg.Logger.Debug("spool file vanished", "path", path, "error", err)
		}
		return
	}

	m := core.Member{ID: extract.MemberIDOrNew(payload), Payload: payload}
	err = w.publisher.Append(ctx, m)
	if ctx.Err() != nil && err != nil {
		return // shutting down; leave the file for the next run
	}

	dest := ProcessedDir
	if err != nil {
		dest = FailedDir
		w.failed.Add(1)
		w.report(fmt.Errorf("failed to append %s: %w", path, err))
	} else {
		w.appended.Add(1)
		if w.repo != nil {
			w.repo.recordSpool()
		}
		if w.cfg.Logger != nil {
			w.cfg.Logger.Debug("spooled member", "path", path, "member", m.ID)
		}
	}

	if err := w.move(path, dest); err != nil {
		w.report(err)
	}
}

func (w *SpoolWatcher) move(path, dest string) error {
	rel, err := filepath.Rel(w.cfg.Dir, path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	target := filepath.Join(w.cfg.Dir, dest, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", path, dest, err)
	}
	return nil
}

func (w *SpoolWatcher) report(err error) {
	if w.cfg.Logger != nil {
		w.cfg.Logger.Error("spool error", "error", err)
	}
	if w.cfg.ErrorHandler != nil {
		w.cfg.ErrorHandler(err)
	}
}

// processFilesystemEvent schedules matching files and starts watching new
// sub-directories.
func (w *SpoolWatcher) processFilesystemEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.skipDir(event.Name) {
				if err := w.recursiveAdd(w.watcher, event.Name); err != nil {
					w.report(err)
				}
				// Files may have landed before the watch was added.
				w.scheduleTree(ctx, event.Name)
			}
			return
		}
	}

	if w.matches(event.Name) {
		w.schedule(ctx, event.Name)
	}
}

func (w *SpoolWatcher) scheduleTree(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && w.matches(path) {
			w.schedule(ctx, path)
		}
		return nil
	})
}

func (w *SpoolWatcher) run(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			panicErr := fmt.Errorf("spool watcher panic: %v", recovered)
			if w.cfg.Logger != nil {
				if w.cfg.Logger.Enabled(ctx, slog.LevelDebug) {
					w.cfg.Logger.Error("spool watcher panic", "error", panicErr, "stack", string(debug.Stack()))
				} else {
					w.cfg.Logger.Error("spool watcher panic", "error", panicErr)
				}
			}
			err = panicErr
		}
	}()
	defer func() {
		if w.repo != nil {
			w.repo.setWatcherActive(false)
		}
	}()
	defer w.watcher.Close()
	defer w.stopPending()

	if err := w.sweep(ctx); err != nil {
		w.report(err)
	}
	return w.mainEventLoop(ctx)
}

func (w *SpoolWatcher) mainEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case path := <-w.ready:
			w.handle(ctx, path)

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			if w.cfg.Logger != nil {
				w.cfg.Logger.Debug("event received", "name", event.Name, "op", event.Op.String())
			}
			w.processFilesystemEvent(ctx, event)

		case wErr, ok := <-w.watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.report(fmt.Errorf("fsnotify: %w", wErr))
		}
	}
}
