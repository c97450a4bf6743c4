// Package executor runs the wrapped tool, remote first with a single local
// fallback on connect failure. The directory bridge runs concurrently with
// the child and is fully drained before control returns, so finalization
// never races an in-flight discovery.
package executor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/frt-tools/frt/app/bridge"
	"github.com/frt-tools/frt/app/job"
	"github.com/frt-tools/frt/app/remote"
	"github.com/frt-tools/frt/app/translate"
)

// ExitNoConnect is ssh's "could not establish connection" code. Never a
// transcoding failure, it triggers the local fallback and never surfaces.
const ExitNoConnect = 255

// Runner executes an argv with the given streams and returns the exit code
type Runner func(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) int

// explicit two-state sequence, remote then local, no recursion
type attemptState int

const (
	remoteAttempt attemptState = iota
	localAttempt
)

// Executor drives one job from rewritten argv to final exit code
type Executor struct {
	Job          *job.Job
	SSH          *remote.SSH
	ServerTool   string // tool path on the remote host
	ClientTool   string // tool path for local fallback
	Probe        bool   // ffprobe invocation, keeps stdout intact
	MarkerPrefix string
	BridgeMode   string
	PollInterval time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Exec Runner // defaults to os/exec, swappable in tests

	mode string // attempt that produced the final code
}

// Mode reports which attempt produced the final exit code, "remote" or
// "local". Valid after Run returns.
func (e *Executor) Mode() string {
	return e.mode
}

// Run performs the remote attempt and, only on connect failure, one local
// attempt. Any other exit code is final and returned verbatim.
func (e *Executor) Run(ctx context.Context, args []string) int {
	if e.Exec == nil {
		e.Exec = defaultRunner
	}

	code := e.attempt(ctx, remoteAttempt, args)
	if code != ExitNoConnect {
		return code
	}

	log.Printf("[WARN] failed to connect to remote host, falling back to local execution")
	return e.attempt(ctx, localAttempt, args)
}

func (e *Executor) attempt(ctx context.Context, state attemptState, args []string) int {
	var argv []string
	switch state {
	case remoteAttempt:
		e.mode = "remote"
		tr := translate.New(e.Job, e.Job.RemoteRoot, e.MarkerPrefix)
		rewritten, err := tr.Rewrite(args)
		if err != nil {
			log.Printf("[ERROR] can't translate references, %v", err)
			return 1
		}
		argv = e.SSH.Command(append([]string{e.ServerTool}, rewritten...))
	case localAttempt:
		e.mode = "local"
		// identical logic, rewrite root is the local tree: forward links make
		// sources reachable at their working paths without any ssh layer
		tr := translate.New(e.Job, e.Job.LocalRoot, e.MarkerPrefix)
		rewritten, err := tr.Rewrite(args)
		if err != nil {
			log.Printf("[ERROR] can't translate references, %v", err)
			return 1
		}
		argv = append([]string{e.ClientTool}, rewritten...)
	}

	// the tool's stdout is diverted to stderr so diagnostics can't corrupt a
	// binary stream piped to the caller's stdout. Bypass and probe output is
	// the payload and passes through.
	stdout := e.Stderr
	if e.Job.Bypass || e.Probe {
		stdout = e.Stdout
	}

	log.Printf("[INFO] running %v", argv)

	if e.Job.Bypass {
		return e.Exec(ctx, argv, e.Stdin, stdout, e.Stderr)
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	det := bridge.New(e.BridgeMode, e.Job, e.PollInterval)
	go func() {
		defer close(done)
		if err := det.Run(bctx); err != nil {
			log.Printf("[WARN] bridge stopped with error, %v", err)
		}
	}()

	code := e.Exec(ctx, argv, e.Stdin, stdout, e.Stderr)

	cancel()
	<-done // bridge's final sweep must complete before finalization may start
	return code
}

func defaultRunner(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // nolint gosec
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	// couldn't launch at all, for ssh this reads the same as no connection
	log.Printf("[WARN] can't run %s, %v", argv[0], err)
	return ExitNoConnect
}
