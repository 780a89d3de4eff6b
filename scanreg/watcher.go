package scanreg

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PairChanges is one debounced batch of pair file changes.
type PairChanges struct {
	Changed []string // created or rewritten
	Removed []string
}

// PairChangeHandler is called once per debounced batch.
type PairChangeHandler func(PairChanges)

// PairWatcher watches a PairStore's directories and reports pair file changes in
// batches, so that the temp-file-and-rename of a save arrives as one change.
type PairWatcher struct {
	watcher *fsnotify.Watcher
	store   *PairStore
	delay   time.Duration
	handler PairChangeHandler
}

// NewPairWatcher starts watching the base and auto directories of ps. The base
// directory must exist; the auto directory is picked up when it is created.
func NewPairWatcher(ps *PairStore, delay time.Duration, handler PairChangeHandler) (*PairWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(ps.Dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", ps.Dir, err)
	}
	if fi, err := os.Stat(ps.autoDir()); err == nil && fi.IsDir() {
		if err := w.Add(ps.autoDir()); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching %s: %w", ps.autoDir(), err)
		}
	}
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	return &PairWatcher{watcher: w, store: ps, delay: delay, handler: handler}, nil
}

// Run processes events until ctx is done. It closes the underlying watcher on return.
func (pw *PairWatcher) Run(ctx context.Context) error {
	defer pw.watcher.Close()

	pending := make(map[string]bool) // path -> removed
	timer := time.NewTimer(pw.delay)
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		var batch PairChanges
		for path, removed := range pending {
			if removed {
				batch.Removed = append(batch.Removed, path)
			} else {
				batch.Changed = append(batch.Changed, path)
			}
		}
		sort.Strings(batch.Changed)
		sort.Strings(batch.Removed)
		pending = make(map[string]bool)
		log.Printf("[WATCH] %d changed, %d removed", len(batch.Changed), len(batch.Removed))
		if pw.handler != nil {
			pw.handler(batch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil

		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && filepath.Clean(ev.Name) == filepath.Clean(pw.store.autoDir()) {
				if err := pw.watcher.Add(ev.Name); err != nil {
					log.Printf("[WATCH] Could not watch %s: %v", ev.Name, err)
				}
				continue
			}
			if _, _, ok := ParsePairFileName(ev.Name); !ok {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				pending[ev.Name] = true
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
				pending[ev.Name] = false
			default:
				continue
			}
			timer.Reset(pw.delay)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[WATCH] Error: %v", err)

		case <-timer.C:
			flush()
		}
	}
}
