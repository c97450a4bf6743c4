// Package job defines the per-invocation context: a unique identifier, the
// local and remote working roots derived from it, and pure path mapping
// between caller-visible absolute paths and the job's working namespace.
package job

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
)

// bypassCommands produce no file output and should keep stdout intact
var bypassCommands = map[string]struct{}{
	"-help":     {},
	"-h":        {},
	"-version":  {},
	"-encoders": {},
	"-decoders": {},
}

// Job is an immutable invocation context. The identifier scopes both working
// roots, which gives each job exclusive ownership of its tree.
type Job struct {
	ID         string
	LocalRoot  string // <client working dir>/<id>
	RemoteRoot string // <server working dir>/<id>
	Bypass     bool
}

// New makes a job context for the given client/server working directories.
// The args vector is only inspected for bypass commands, never modified.
func New(clientDir, serverDir string, args []string) *Job {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	res := &Job{
		ID:         id,
		LocalRoot:  filepath.Join(clientDir, id),
		RemoteRoot: path.Join(serverDir, id),
		Bypass:     IsBypass(args),
	}
	log.Printf("[DEBUG] job %s, local root %s, remote root %s, bypass %v", res.ID, res.LocalRoot, res.RemoteRoot, res.Bypass)
	return res
}

// IsBypass reports if the argument vector contains a help/version style
// command which produces no file output
func IsBypass(args []string) bool {
	for _, a := range args {
		if _, ok := bypassCommands[a]; ok {
			return true
		}
	}
	return false
}

// LocalPath maps an absolute path to its location inside the local working
// tree, mirroring the full path structure under the job root
func (j *Job) LocalPath(abs string) string {
	return filepath.Join(j.LocalRoot, strings.TrimPrefix(abs, "/"))
}

// RemotePath maps an absolute path to its location inside the remote working
// tree. Remote side is always posix, so path.Join and not filepath.
func (j *Job) RemotePath(abs string) string {
	return path.Join(j.RemoteRoot, strings.TrimPrefix(abs, "/"))
}

// CallerPath is the inverse of LocalPath, re-rooting a working tree entry back
// to the caller-visible absolute path. Returns empty string for paths outside
// the job's local root.
func (j *Job) CallerPath(workPath string) string {
	rel, err := filepath.Rel(j.LocalRoot, workPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return "/" + rel
}

// ArtifactTarget resolves a working-tree symlink and reports whether it points
// back inside the local root. Such links are artifacts made by the tool itself
// (e.g. a "latest" segment link), while links pointing outside the tree are
// forward references to real source files.
func (j *Job) ArtifactTarget(link string) (string, bool) {
	target, err := os.Readlink(link)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	target = filepath.Clean(target)
	if !strings.HasPrefix(target, j.LocalRoot+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

// EnsureDir creates all directories along the given path, idempotent
func (j *Job) EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o750)
}
