// Package finalizer owns the single shutdown path. Reached from normal
// completion and from termination signals alike, it reconciles the working
// tree, reaps orphaned tool processes and terminates the process. Every step
// is best effort, a partial cleanup beats a stuck process holding a session.
package finalizer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/frt-tools/frt/app/job"
	"github.com/frt-tools/frt/app/remote"
)

// Repeater retries a failing function, matches go-pkgz/repeater
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Finalizer cleans up one job and exits. Shutdown is guarded to run at most
// once no matter how many paths reach it.
type Finalizer struct {
	Job       *job.Job
	SSH       *remote.SSH
	ProcNames []string // wrapped tool process names to reap
	Repeater  Repeater // best-effort retry for the remote kill, optional

	KillExec func(ctx context.Context, argv []string) error // defaults to os/exec
	Exit     func(code int)                                 // defaults to os.Exit

	once sync.Once
}

// Shutdown runs the cleanup sequence and terminates the process with the
// given code. Never returns to the caller. Safe to invoke concurrently and
// safe to enter while the child process is still running.
func (f *Finalizer) Shutdown(code int) {
	f.once.Do(func() {
		if f.Exit == nil {
			f.Exit = os.Exit
		}
		if f.KillExec == nil {
			f.KillExec = runQuiet
		}

		f.killRemote()
		f.reapLocal()
		f.cleanTree()

		log.Printf("[INFO] job %s finished, exit code %d", f.Job.ID, code)
		f.Exit(code)
	})
}

// killRemote kills remote tool processes orphaned by a dropped ssh session
func (f *Finalizer) killRemote() {
	if f.SSH == nil || len(f.ProcNames) == 0 {
		return
	}
	argv := f.SSH.KillOrphans(f.ProcNames)
	log.Printf("[INFO] running remote cleanup %v", argv)

	kill := func() error { return f.KillExec(context.Background(), argv) }
	var err error
	if f.Repeater != nil {
		err = f.Repeater.Do(context.Background(), kill)
	} else {
		err = kill()
	}
	if err != nil {
		// pkill exits non-zero when nothing matched, which is the usual case
		log.Printf("[DEBUG] remote cleanup returned %v", err)
	}
}

// reapLocal kills wrapped tool processes still attached to this process,
// covers a signal arriving while the local fallback child is running
func (f *Finalizer) reapLocal() {
	if len(f.ProcNames) == 0 {
		return
	}
	names := make(map[string]struct{}, len(f.ProcNames))
	for _, n := range f.ProcNames {
		names[n] = struct{}{}
	}

	procs, err := process.Processes()
	if err != nil {
		log.Printf("[WARN] can't list processes, %v", err)
		return
	}
	me := int32(os.Getpid())
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if _, ok := names[name]; !ok {
			continue
		}
		ppid, err := p.Ppid()
		if err != nil || ppid != me {
			continue
		}
		if err := p.Kill(); err != nil {
			log.Printf("[WARN] can't kill %s (%d), %v", name, p.Pid, err)
			continue
		}
		log.Printf("[INFO] killed orphaned %s (%d)", name, p.Pid)
	}
}

// cleanTree walks the working tree bottom-up. Forward-reference symlinks get
// unlinked, regular files and tool-made links are artifacts and get promoted
// to their caller-visible destinations, emptied directories are removed.
func (f *Finalizer) cleanTree() {
	root := f.Job.LocalRoot
	if _, err := os.Lstat(root); err != nil {
		return // nothing was ever created, e.g. a bypass command
	}

	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		switch {
		case d.IsDir():
			dirs = append(dirs, p)
		case d.Type()&fs.ModeSymlink != 0:
			if target, ok := f.Job.ArtifactTarget(p); ok {
				f.promoteLink(p, target)
				return nil
			}
			// forward reference, remove the working side only
			if err := os.Remove(p); err != nil {
				log.Printf("[WARN] can't unlink %s, %v", p, err)
				return nil
			}
			log.Printf("[INFO] destroyed link %s", p)
		case d.Type().IsRegular():
			f.promote(p)
		}
		return nil
	})
	if err != nil {
		log.Printf("[WARN] working tree walk failed, %v", err)
	}

	// leaves first
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		if err := os.Remove(dir); err != nil {
			log.Printf("[WARN] can't remove %s, %v", dir, err)
		}
	}
}

// promote moves a produced file onto its destination, atomically replacing
// the placeholder reverse link the bridge left there
func (f *Finalizer) promote(workPath string) {
	dest := f.Job.CallerPath(workPath)
	if dest == "" {
		return
	}
	if err := f.Job.EnsureDir(filepath.Dir(dest)); err != nil {
		log.Printf("[WARN] can't make dirs for %s, %v", dest, err)
		return
	}
	if err := os.Rename(workPath, dest); err != nil {
		if !isCrossDevice(err) {
			log.Printf("[WARN] can't promote %s to %s, %v", workPath, dest, err)
			return
		}
		// working root on a different filesystem than the destination
		if err := copyPromote(workPath, dest); err != nil {
			log.Printf("[WARN] can't promote %s to %s, %v", workPath, dest, err)
			return
		}
	}
	log.Printf("[INFO] promoted %s -> %s", workPath, dest)
}

// promoteLink recreates a tool-made symlink at its caller-visible destination,
// re-rooting the target to the promoted location of the entry it points at
func (f *Finalizer) promoteLink(workPath, target string) {
	dest := f.Job.CallerPath(workPath)
	destTarget := f.Job.CallerPath(target)
	if dest == "" || destTarget == "" {
		return
	}
	if err := f.Job.EnsureDir(filepath.Dir(dest)); err != nil {
		log.Printf("[WARN] can't make dirs for %s, %v", dest, err)
		return
	}
	if _, err := os.Lstat(dest); err == nil { // the bridge's placeholder link
		if err := os.Remove(dest); err != nil {
			log.Printf("[WARN] can't replace %s, %v", dest, err)
			return
		}
	}
	if err := os.Symlink(destTarget, dest); err != nil {
		log.Printf("[WARN] can't promote link %s to %s, %v", workPath, dest, err)
		return
	}
	if err := os.Remove(workPath); err != nil {
		log.Printf("[WARN] can't unlink %s, %v", workPath, err)
	}
	log.Printf("[INFO] promoted link %s -> %s", dest, destTarget)
}

// isCrossDevice detects rename failing across filesystem boundaries, typical
// when the working root lives on a network mount
func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV)
}

// copyPromote copies the artifact next to its destination and renames into
// place, so replacing the reverse link stays atomic on the destination side
func copyPromote(workPath, dest string) error {
	src, err := os.Open(workPath) // nolint gosec
	if err != nil {
		return err
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	if _, err = io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err = os.Chmod(tmp.Name(), st.Mode()); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Remove(workPath)
}

func runQuiet(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // nolint gosec
	return cmd.Run()
}
