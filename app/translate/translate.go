// Package translate rewrites a tool's argument vector into the job's working
// namespace. Input files get forward links (working path -> real source) so
// the remote side can read local data through the shared directory, output
// tokens are redirected without pre-linking as their files don't exist yet.
package translate

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/frt-tools/frt/app/job"
)

// extension-shaped suffix: a dot followed by an alpha character. Rejects
// timestamps and bitrates like 00:01:30.500 where the "extension" is numeric.
var reFileLike = regexp.MustCompile(`\.[A-Za-z][A-Za-z0-9]*$`)

// DefaultFileLike reports if the last path segment of a token carries an
// extension-shaped suffix
func DefaultFileLike(tok string) bool {
	return reFileLike.MatchString(path.Base(tok))
}

// Translator rewrites file references for one execution attempt. Root is the
// rewrite target: the job's remote root for the remote attempt, its local
// root when falling back to local execution.
type Translator struct {
	Job          *job.Job
	Root         string
	MarkerPrefix string            // optional explicit file marker, e.g. "file:"
	FileLike     func(string) bool // classification predicate, DefaultFileLike if nil
}

// New makes a translator rewriting into the given root
func New(j *job.Job, root, markerPrefix string) *Translator {
	return &Translator{Job: j, Root: root, MarkerPrefix: markerPrefix, FileLike: DefaultFileLike}
}

// Rewrite returns a copy of args with every file-like token redirected into
// the working namespace. Tokens following "-i" get forward links, creation is
// idempotent within the job. pipe: pseudo-files pass through untouched.
func (t *Translator) Rewrite(args []string) ([]string, error) {
	fileLike := t.FileLike
	if fileLike == nil {
		fileLike = DefaultFileLike
	}

	res := make([]string, len(args))
	copy(res, args)

	for i, tok := range args {
		if strings.HasPrefix(tok, "pipe:") {
			continue
		}

		marked := t.MarkerPrefix != "" && strings.HasPrefix(tok, t.MarkerPrefix)
		if marked {
			tok = strings.TrimPrefix(tok, t.MarkerPrefix)
		}
		if !marked && !fileLike(tok) {
			continue
		}

		abs, err := filepath.Abs(tok)
		if err != nil {
			return nil, fmt.Errorf("can't resolve %q: %w", tok, err)
		}

		input := i > 0 && args[i-1] == "-i"
		switch {
		case input:
			if err := t.link(abs); err != nil {
				return nil, err
			}
		case t.Job.Bypass && i == len(args)-1:
			// bypass commands produce no output, the final token must not
			// leave a dangling working entry behind
		default:
			if err := t.Job.EnsureDir(filepath.Dir(t.Job.LocalPath(abs))); err != nil {
				return nil, fmt.Errorf("can't make working dirs for %s: %w", abs, err)
			}
		}

		res[i] = path.Join(t.Root, strings.TrimPrefix(abs, "/"))
	}
	return res, nil
}

// link creates a forward link working path -> abs, reusing an existing one
func (t *Translator) link(abs string) error {
	local := t.Job.LocalPath(abs)
	if err := t.Job.EnsureDir(filepath.Dir(local)); err != nil {
		return fmt.Errorf("can't make working dirs for %s: %w", abs, err)
	}
	if _, err := os.Lstat(local); err == nil {
		log.Printf("[INFO] using existing link %s", local)
		return nil
	}
	if err := os.Symlink(abs, local); err != nil {
		return fmt.Errorf("can't link %s: %w", abs, err)
	}
	log.Printf("[INFO] created link %s -> %s", local, abs)
	return nil
}

// unsafe for direct placement in a shell line
const unsafeChars = " \t\n*?()|[]{}<>&;$`'\""

// QuoteArg wraps a token in single quotes if it contains characters a remote
// shell would interpret. Used when the argv is flattened into an ssh command
// string, local execution passes tokens verbatim.
func QuoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, unsafeChars) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
