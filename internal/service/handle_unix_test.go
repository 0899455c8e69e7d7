//go:build !windows

package service

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/embedsvc/internal/process"
	"github.com/loykin/embedsvc/internal/sandbox"
)

func TestStopWhileReapingOrphanIsBounded(t *testing.T) {
	cfg := stubConfig(t)
	cfg.StopGrace = 5 * time.Second
	cfg.KillMargin = time.Second

	// an orphan from a "previous run" that only dies to SIGKILL
	orphan := exec.Command("/bin/sh", "-c", `trap "" TERM; exec sleep 30`)
	orphan.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, orphan.Start())
	go func() { _ = orphan.Wait() }()
	t.Cleanup(func() { _ = orphan.Process.Kill() })
	pid := orphan.Process.Pid

	gp, err := gopsproc.NewProcess(int32(pid))
	require.NoError(t, err)
	created, err := gp.CreateTime()
	require.NoError(t, err)
	paths, err := sandbox.New(sandbox.Options{Root: cfg.DataRoot}).Resolve(cfg.AppName)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(paths.Root, 0o755))
	require.NoError(t, process.WritePIDFile(paths.PIDFile, process.PIDRecord{PID: pid, StartUnix: created / 1000, RunID: "old"}))

	h := newHandle(t, cfg, Options{})
	errc := make(chan error, 1)
	go func() {
		_, err := h.Start(context.Background())
		errc <- err
	}()

	// the orphan ignores SIGTERM, so Start sits in the grace wait
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, Starting, h.State())

	start := time.Now()
	require.NoError(t, h.Stop())
	assert.Less(t, time.Since(start), cfg.KillMargin+500*time.Millisecond)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrStartAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, Stopped, h.State())
	requireGone(t, pid)
}
