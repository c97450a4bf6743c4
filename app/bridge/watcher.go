package bridge

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/go-pkgz/lgr"
)

// Watcher projects files as filesystem events arrive. fsnotify watches are
// per-directory, so new directories are added to the watch set as they appear
// and their content swept to cover files created before the watch landed.
type Watcher struct {
	linker
}

// Run processes events until ctx is canceled, then performs the final sweep.
// A file fully written right before the child exits may notify after the
// watcher stopped, the final sweep picks it up.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.j.EnsureDir(w.j.LocalRoot); err != nil {
		return err
	}
	if err := w.addRecursive(watcher, w.j.LocalRoot); err != nil {
		return err
	}
	// anything written before the watches landed produces no events
	if err := w.sweep(); err != nil {
		log.Printf("[WARN] initial sweep failed, %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return w.sweep() // mandatory final sweep

		case event, ok := <-watcher.Events:
			if !ok {
				return w.sweep()
			}
			w.handle(watcher, event)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return w.sweep()
			}
			log.Printf("[WARN] watch error, %v", werr)
		}
	}
}

func (w *Watcher) handle(watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		st, err := os.Lstat(event.Name)
		if err != nil {
			return
		}
		if st.IsDir() {
			// entries may land in the new directory before its watch is set up
			if err := w.addRecursive(watcher, event.Name); err != nil {
				log.Printf("[WARN] can't watch %s, %v", event.Name, err)
			}
			if err := w.sweepDir(event.Name); err != nil {
				log.Printf("[WARN] sweep of %s failed, %v", event.Name, err)
			}
			return
		}
		if st.Mode().IsRegular() {
			w.project(event.Name)
			return
		}
		if st.Mode()&os.ModeSymlink != 0 {
			if _, ok := w.j.ArtifactTarget(event.Name); ok {
				w.project(event.Name)
			}
		}

	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		w.drop(event.Name)
	}
}

func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // directory raced with cleanup, skip
		}
		if d.IsDir() {
			if werr := watcher.Add(p); werr != nil {
				return werr
			}
		}
		return nil
	})
}

func (w *Watcher) sweepDir(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		switch {
		case d.Type().IsRegular():
			w.project(p)
		case d.Type()&fs.ModeSymlink != 0:
			if _, ok := w.j.ArtifactTarget(p); ok {
				w.project(p)
			}
		}
		return nil
	})
}
