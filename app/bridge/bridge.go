// Package bridge discovers files the wrapped tool materializes inside the
// job's working tree and projects each one back to its caller-visible path
// with a reverse link. The caller never declares outputs up front, discovery
// is the only source of truth.
package bridge

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/frt-tools/frt/app/config"
	"github.com/frt-tools/frt/app/job"
)

// Detector finds new working-tree entries while the child process runs.
// Run blocks until ctx is canceled and performs one final sweep before
// returning, so a file completed just before process exit is never lost.
// Finalization must not start until Run has returned.
type Detector interface {
	Run(ctx context.Context) error
}

// New makes a detector for the configured mode
func New(mode string, j *job.Job, pollInterval time.Duration) Detector {
	if mode == config.ModeWatch {
		return &Watcher{linker: linker{j: j}}
	}
	return &Poller{linker: linker{j: j}, Interval: pollInterval}
}

// linker holds the reverse-link rules shared by both detector strategies
type linker struct {
	j *job.Job
}

// sweep walks the working tree and projects every produced file. Safe to call
// repeatedly, existing reverse links are never recreated.
func (l *linker) sweep() error {
	root := l.j.LocalRoot
	if _, err := os.Lstat(root); err != nil {
		return nil // nothing produced yet
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // entry raced with cleanup, skip
		}
		switch {
		case d.Type().IsRegular():
			l.project(p)
		case d.Type()&fs.ModeSymlink != 0:
			// a link pointing back inside the tree was made by the tool and is
			// an artifact, links out to real sources are forward references
			if _, ok := l.j.ArtifactTarget(p); ok {
				l.project(p)
			}
		}
		return nil
	})
}

// project creates a reverse link caller path -> working entry, unless the
// caller path is already occupied. Forward-reference symlinks are not
// produced by the tool and never reach here.
func (l *linker) project(workPath string) {
	abs := l.j.CallerPath(workPath)
	if abs == "" {
		return
	}
	if _, err := os.Lstat(abs); err == nil {
		return // real file or an earlier reverse link, leave it alone
	}
	if err := l.j.EnsureDir(filepath.Dir(abs)); err != nil {
		log.Printf("[WARN] can't make dirs for %s, %v", abs, err)
		return
	}
	if err := os.Symlink(workPath, abs); err != nil {
		if os.IsExist(err) {
			return // lost the race to an earlier projection, fine
		}
		log.Printf("[WARN] can't project %s to %s, %v", workPath, abs, err)
		return
	}
	log.Printf("[INFO] projected %s -> %s", abs, workPath)
}

// drop removes the reverse link matching a deleted working file
func (l *linker) drop(workPath string) {
	abs := l.j.CallerPath(workPath)
	if abs == "" {
		return
	}
	st, err := os.Lstat(abs)
	if err != nil || st.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := os.Readlink(abs)
	if err != nil || target != workPath {
		return
	}
	if err := os.Remove(abs); err != nil {
		log.Printf("[WARN] can't drop reverse link %s, %v", abs, err)
		return
	}
	log.Printf("[INFO] dropped reverse link %s", abs)
}
