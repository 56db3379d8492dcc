package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/runbook"
)

const defaultDebounce = 500 * time.Millisecond

// FileWatcher starts file-watch triggered runbooks when matching files
// change. Bursts of changes inside the debounce window start one execution.
type FileWatcher struct {
	runbooks RunbookSource
	starter  Starter
	log      *zap.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	watches map[string]*watch
	dirRefs map[string]int
}

type watch struct {
	runbookID string
	dir       string
	pattern   string
	debounce  time.Duration
	timer     *time.Timer
	changed   map[string]struct{}
}

func NewFileWatcher(runbooks RunbookSource, starter Starter, log *zap.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FileWatcher{
		runbooks: runbooks,
		starter:  starter,
		log:      log.Named("filewatch"),
		watcher:  w,
		watches:  map[string]*watch{},
		dirRefs:  map[string]int{},
	}, nil
}

// Register watches rb's path, replacing any previous watch for the runbook.
// A path naming a file watches its directory for that file name.
func (f *FileWatcher) Register(rb runbook.Runbook) error {
	if !triggerOf(rb, runbook.TriggerFileWatch) || rb.Trigger.FileWatch == nil || !rb.IsEnabled {
		f.Remove(rb.ID)
		return nil
	}
	spec := rb.Trigger.FileWatch
	path := filepath.Clean(spec.Path)
	dir, pattern := path, spec.Pattern
	if info, err := os.Stat(path); err != nil {
		return fmt.Errorf("runbook %s: watch path: %w", rb.ID, err)
	} else if !info.IsDir() {
		dir = filepath.Dir(path)
		if pattern == "" {
			pattern = filepath.Base(path)
		}
	}
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("runbook %s: watch pattern %q: %w", rb.ID, pattern, err)
	}
	debounce := spec.Debounce.Std()
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(rb.ID)
	if f.dirRefs[dir] == 0 {
		if err := f.watcher.Add(dir); err != nil {
			return fmt.Errorf("runbook %s: watch %s: %w", rb.ID, dir, err)
		}
	}
	f.dirRefs[dir]++
	f.watches[rb.ID] = &watch{
		runbookID: rb.ID,
		dir:       dir,
		pattern:   pattern,
		debounce:  debounce,
		changed:   map[string]struct{}{},
	}
	f.log.Info("watching path", zap.String("runbook_id", rb.ID), zap.String("dir", dir), zap.String("pattern", pattern))
	return nil
}

func (f *FileWatcher) Remove(runbookID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(runbookID)
}

func (f *FileWatcher) removeLocked(runbookID string) {
	w, ok := f.watches[runbookID]
	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(f.watches, runbookID)
	f.dirRefs[w.dir]--
	if f.dirRefs[w.dir] <= 0 {
		delete(f.dirRefs, w.dir)
		_ = f.watcher.Remove(w.dir)
	}
}

// Run processes file system events until ctx ends.
func (f *FileWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			f.observe(ev.Name)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (f *FileWatcher) observe(path string) {
	dir, base := filepath.Dir(path), filepath.Base(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.watches {
		if w.dir != dir {
			continue
		}
		if ok, _ := filepath.Match(w.pattern, base); !ok {
			continue
		}
		w.changed[path] = struct{}{}
		if w.timer != nil {
			w.timer.Stop()
		}
		runbookID := w.runbookID
		w.timer = time.AfterFunc(w.debounce, func() { f.flush(runbookID) })
	}
}

func (f *FileWatcher) flush(runbookID string) {
	f.mu.Lock()
	w, ok := f.watches[runbookID]
	if !ok || len(w.changed) == 0 {
		f.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.changed))
	for p := range w.changed {
		paths = append(paths, p)
	}
	w.changed = map[string]struct{}{}
	w.timer = nil
	f.mu.Unlock()

	sort.Strings(paths)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	rb, err := f.runbooks.GetRunbook(ctx, runbookID)
	if err != nil {
		f.log.Warn("watched runbook unavailable", zap.String("runbook_id", runbookID), zap.Error(err))
		return
	}
	if !rb.IsEnabled {
		return
	}
	exec, err := f.starter.StartExecution(ctx, rb, "file_watch: "+strings.Join(paths, ", "))
	if err != nil {
		f.log.Error("file watch start failed", zap.String("runbook_id", runbookID), zap.Error(err))
		return
	}
	f.log.Info("file watch execution started", zap.String("runbook_id", runbookID), zap.String("execution_id", exec.ID))
}

func (f *FileWatcher) Close() error {
	f.mu.Lock()
	for _, w := range f.watches {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	f.mu.Unlock()
	return f.watcher.Close()
}
