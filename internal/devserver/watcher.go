package devserver

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reports batches of changed files below a root directory. fsnotify
// is not recursive, so directories are added as they appear.
type Watcher struct {
	root     string
	skip     func(abs string) bool
	debounce time.Duration
	fw       *fsnotify.Watcher
}

// NewWatcher watches root and every directory below it that skip does not
// reject.
func NewWatcher(root string, debounce time.Duration, skip func(abs string) bool) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: filepath.Clean(root), skip: skip, debounce: debounce, fw: fw}
	if err := w.addTree(w.root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// the directory may be gone already
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.skip != nil && w.skip(path) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

// Run calls onChange with the sorted, de-duplicated paths changed during
// each quiet period of the debounce interval. It returns when ctx is done.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context, paths []string)) error {
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("file watcher error")

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						log.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch directory")
					}
				}
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			onChange(ctx, paths)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if w.skip == nil {
		return true
	}
	// a skipped directory still reports its own events to the parent
	return !w.skip(ev.Name)
}
