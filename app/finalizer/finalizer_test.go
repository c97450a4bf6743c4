package finalizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frt-tools/frt/app/bridge"
	"github.com/frt-tools/frt/app/config"
	"github.com/frt-tools/frt/app/job"
	"github.com/frt-tools/frt/app/remote"
)

func testJob(t *testing.T) *job.Job {
	t.Helper()
	return &job.Job{
		ID:         "deadbeef",
		LocalRoot:  filepath.Join(t.TempDir(), "work", "deadbeef"),
		RemoteRoot: "/mnt/frt/deadbeef",
	}
}

func TestShutdownRoundTrip(t *testing.T) {
	j := testJob(t)

	// forward reference: working link to a real source
	src := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(src, []byte("source data"), 0o600))
	srcWork := j.LocalPath(src)
	require.NoError(t, os.MkdirAll(filepath.Dir(srcWork), 0o750))
	require.NoError(t, os.Symlink(src, srcWork))

	// produced artifact plus the reverse link the bridge installed
	dest := filepath.Join(t.TempDir(), "out.mkv")
	destWork := j.LocalPath(dest)
	require.NoError(t, os.MkdirAll(filepath.Dir(destWork), 0o750))
	require.NoError(t, os.WriteFile(destWork, []byte("transcoded"), 0o600))
	require.NoError(t, os.Symlink(destWork, dest))

	var exitCode int
	f := &Finalizer{Job: j, Exit: func(code int) { exitCode = code }}
	f.Shutdown(0)

	assert.Equal(t, 0, exitCode)

	// source untouched, its working link gone
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "source data", string(data))
	_, err = os.Lstat(srcWork)
	assert.True(t, os.IsNotExist(err))

	// destination is now the real file, not a link
	st, err := os.Lstat(dest)
	require.NoError(t, err)
	assert.True(t, st.Mode().IsRegular(), "reverse link replaced by the artifact")
	data, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "transcoded", string(data))

	// working tree fully removed, bottom-up
	_, err = os.Lstat(j.LocalRoot)
	assert.True(t, os.IsNotExist(err))
}

func TestShutdownWhileDetectorRuns(t *testing.T) {
	j := testJob(t)
	destDir := t.TempDir()

	var dests []string
	for i := 0; i < 10; i++ {
		dest := filepath.Join(destDir, fmt.Sprintf("seg-%03d.ts", i))
		workPath := j.LocalPath(dest)
		require.NoError(t, os.MkdirAll(filepath.Dir(workPath), 0o750))
		require.NoError(t, os.WriteFile(workPath, []byte("seg"), 0o600))
		dests = append(dests, dest)
	}

	d := bridge.New(config.ModePoll, j, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(5 * time.Millisecond) // let discovery overlap the shutdown

	exitCode := -1
	f := &Finalizer{Job: j, Exit: func(code int) { exitCode = code }}
	f.Shutdown(0)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, exitCode)

	// every output must land as the real file, a dangling link fails the read
	for _, dest := range dests {
		data, err := os.ReadFile(dest)
		require.NoError(t, err, dest)
		assert.Equal(t, "seg", string(data))
	}
	_, err := os.Lstat(j.LocalRoot)
	assert.True(t, os.IsNotExist(err))
}

func TestShutdownPromotesToolMadeLink(t *testing.T) {
	j := testJob(t)
	destDir := t.TempDir()
	seg := filepath.Join(destDir, "seg-001.ts")
	latest := filepath.Join(destDir, "latest.ts")

	segWork := j.LocalPath(seg)
	require.NoError(t, os.MkdirAll(filepath.Dir(segWork), 0o750))
	require.NoError(t, os.WriteFile(segWork, []byte("seg"), 0o600))
	// the tool's own link to another produced file, plus the reverse links
	// the bridge installed for both entries
	require.NoError(t, os.Symlink("seg-001.ts", j.LocalPath(latest)))
	require.NoError(t, os.Symlink(segWork, seg))
	require.NoError(t, os.Symlink(j.LocalPath(latest), latest))

	f := &Finalizer{Job: j, Exit: func(int) {}}
	f.Shutdown(0)

	st, err := os.Lstat(seg)
	require.NoError(t, err)
	assert.True(t, st.Mode().IsRegular())

	target, err := os.Readlink(latest)
	require.NoError(t, err)
	assert.Equal(t, seg, target, "link target re-rooted to the promoted file")
	data, err := os.ReadFile(latest)
	require.NoError(t, err)
	assert.Equal(t, "seg", string(data))

	_, err = os.Lstat(j.LocalRoot)
	assert.True(t, os.IsNotExist(err))
}

func TestPromoteCopyFallback(t *testing.T) {
	j := testJob(t)
	dest := filepath.Join(t.TempDir(), "out.mkv")
	workPath := j.LocalPath(dest)
	require.NoError(t, os.MkdirAll(filepath.Dir(workPath), 0o750))
	require.NoError(t, os.WriteFile(workPath, []byte("transcoded"), 0o600))
	require.NoError(t, os.Symlink(workPath, dest)) // bridge's reverse link

	require.NoError(t, copyPromote(workPath, dest))

	st, err := os.Lstat(dest)
	require.NoError(t, err)
	assert.True(t, st.Mode().IsRegular(), "reverse link replaced by a real copy")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "transcoded", string(data))
	_, err = os.Lstat(workPath)
	assert.True(t, os.IsNotExist(err), "working copy removed after the transfer")
}

func TestIsCrossDevice(t *testing.T) {
	assert.True(t, isCrossDevice(&os.LinkError{Op: "rename", Old: "/mnt/frt/a", New: "/media/a", Err: syscall.EXDEV}))
	assert.False(t, isCrossDevice(&os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EPERM}))
	assert.False(t, isCrossDevice(assert.AnError))
}

func TestShutdownOnce(t *testing.T) {
	j := testJob(t)
	require.NoError(t, os.MkdirAll(j.LocalRoot, 0o750))

	exits := 0
	f := &Finalizer{Job: j, Exit: func(int) { exits++ }}
	f.Shutdown(1)
	f.Shutdown(2) // signal arriving after normal completion started
	assert.Equal(t, 1, exits)
}

func TestShutdownRemoteKill(t *testing.T) {
	j := testJob(t)

	var killed [][]string
	f := &Finalizer{
		Job:       j,
		SSH:       &remote.SSH{Host: "media.local", Username: "frt"},
		ProcNames: []string{"ffmpeg", "ffprobe"},
		KillExec:  func(_ context.Context, argv []string) error { killed = append(killed, argv); return nil },
		Exit:      func(int) {},
	}
	f.Shutdown(0) // reapLocal scans but matches nothing in a test run

	require.Len(t, killed, 1)
	argv := killed[0]
	assert.Equal(t, "ssh", argv[0])
	assert.Contains(t, argv, "frt@media.local")
	assert.Contains(t, argv[len(argv)-1], "pkill -P1 -u frt")
}

func TestShutdownKillFailureDoesNotAbort(t *testing.T) {
	j := testJob(t)

	dest := filepath.Join(t.TempDir(), "out.mkv")
	destWork := j.LocalPath(dest)
	require.NoError(t, os.MkdirAll(filepath.Dir(destWork), 0o750))
	require.NoError(t, os.WriteFile(destWork, []byte("transcoded"), 0o600))

	var exitCode = -1
	f := &Finalizer{
		Job:       j,
		SSH:       &remote.SSH{Host: "unreachable", Username: "frt"},
		ProcNames: []string{"ffmpeg"},
		KillExec:  func(context.Context, []string) error { return assert.AnError },
		Exit:      func(code int) { exitCode = code },
	}
	f.Shutdown(7)

	assert.Equal(t, 7, exitCode, "cleanup proceeds past a failed step")
	st, err := os.Lstat(dest)
	require.NoError(t, err)
	assert.True(t, st.Mode().IsRegular(), "artifact still promoted")
}

func TestShutdownNoWorkingTree(t *testing.T) {
	j := testJob(t) // LocalRoot never created, bypass style run

	exitCode := -1
	f := &Finalizer{Job: j, Exit: func(code int) { exitCode = code }}
	f.Shutdown(0)
	assert.Equal(t, 0, exitCode)
}

type countingRepeater struct{ calls int }

func (c *countingRepeater) Do(_ context.Context, fun func() error, _ ...error) error {
	c.calls++
	return fun()
}

func TestShutdownUsesRepeater(t *testing.T) {
	j := testJob(t)
	rpt := &countingRepeater{}
	f := &Finalizer{
		Job:       j,
		SSH:       &remote.SSH{Host: "media.local", Username: "frt"},
		ProcNames: []string{"ffmpeg"},
		Repeater:  rpt,
		KillExec:  func(context.Context, []string) error { return nil },
		Exit:      func(int) {},
	}
	f.Shutdown(0)
	assert.Equal(t, 1, rpt.calls)
}
