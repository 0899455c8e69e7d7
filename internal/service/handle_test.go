package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/embedsvc/internal/history"
	"github.com/loykin/embedsvc/internal/process"
	"github.com/loykin/embedsvc/internal/readiness"
	"github.com/loykin/embedsvc/internal/sandbox"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *memSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// stubConfig returns a config that launches this test binary as the stub
// service with the given STUB_* settings.
func stubConfig(t *testing.T, stubEnv ...string) Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return Config{
		AppName:        "embedsvc-test",
		Executable:     exe,
		Args:           []string{"--listen=${EMBEDSVC_HOST}:${EMBEDSVC_PORT}"},
		Env:            append([]string{stubMarker + "=1"}, stubEnv...),
		StartupTimeout: 5 * time.Second,
		PollInterval:   100 * time.Millisecond,
		StopGrace:      2 * time.Second,
		KillMargin:     2 * time.Second,
		DataRoot:       t.TempDir(),
		LogDir:         t.TempDir(),
	}
}

func newHandle(t *testing.T, cfg Config, opts Options) *Handle {
	t.Helper()
	h, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func requireGone(t *testing.T, pid int) {
	t.Helper()
	require.NotZero(t, pid)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := gopsproc.PidExists(int32(pid))
		if err == nil && !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d still exists", pid)
}

func drain(ch <-chan Event) []State {
	var out []State
	for ev := range ch {
		out = append(out, ev.State)
	}
	return out
}

func TestStartReadyThenStop(t *testing.T) {
	requireUnix(t)
	// an inherited value must never reach the child
	t.Setenv("EMBEDSVC_DB_PATH", "/elsewhere/other.db")

	sink := &memSink{}
	cfg := stubConfig(t, "STUB_BIND_DELAY=400ms")
	h := newHandle(t, cfg, Options{History: sink})

	start := time.Now()
	baseURL, err := h.Start(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, Ready, h.State())
	assert.Equal(t, baseURL, h.BaseURL())
	assert.True(t, strings.HasPrefix(baseURL, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(baseURL, "/"))
	// ready within one poll interval of binding, plus process startup slack
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond+cfg.PollInterval+300*time.Millisecond)

	paths := h.Paths()
	resp, err := http.Get(baseURL + "api/info")
	require.NoError(t, err)
	var info struct {
		DBPath string   `json:"db_path"`
		TmpDir string   `json:"tmp_dir"`
		TMPDIR string   `json:"tmpdir"`
		RunID  string   `json:"run_id"`
		Args   []string `json:"args"`
		Port   int      `json:"port"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	_ = resp.Body.Close()
	assert.Equal(t, paths.Database, info.DBPath)
	assert.Equal(t, paths.TempDir, info.TmpDir)
	assert.Equal(t, paths.TempDir, info.TMPDIR)
	assert.Equal(t, h.RunID(), info.RunID)
	assert.Equal(t, []string{"--listen=127.0.0.1:" + strconv.Itoa(info.Port)}, info.Args)

	pid := h.PID()
	require.NoError(t, h.Stop())
	assert.Equal(t, Stopped, h.State())
	assert.NoError(t, h.Err())
	requireGone(t, pid)

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.Equal(t, []State{Starting, Ready, Stopping, Stopped}, drain(h.Events()))

	entries, err := os.ReadDir(paths.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(paths.PIDFile)
	assert.True(t, errors.Is(err, os.ErrNotExist), "pid file should be removed")

	db, err := os.ReadFile(paths.Database)
	require.NoError(t, err)
	assert.Contains(t, string(db), "run "+h.RunID())

	logs, err := os.ReadFile(h.LogFile())
	require.NoError(t, err)
	assert.Contains(t, string(logs), "stub listening")

	assert.Equal(t, []history.EventType{history.EventStart, history.EventReady, history.EventStop}, sink.types())

	// Stop is idempotent and Start cannot be reused
	require.NoError(t, h.Stop())
	_, err = h.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStartCrashBeforeReady(t *testing.T) {
	requireUnix(t)
	cfg := stubConfig(t, "STUB_EXIT_CODE=3")
	cfg.StartupTimeout = 10 * time.Second
	h := newHandle(t, cfg, Options{})

	start := time.Now()
	_, err := h.Start(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "crash must be reported without waiting on the probe")

	var ce *process.CrashError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.ExitCode)
	assert.NotEmpty(t, ce.Tail)
	var te *readiness.TimeoutError
	assert.False(t, errors.As(err, &te))

	assert.Equal(t, Failed, h.State())
	assert.ErrorAs(t, h.Err(), &ce)
	assert.Equal(t, []State{Starting, Failed}, drain(h.Events()))
}

func TestStartReadinessTimeout(t *testing.T) {
	requireUnix(t)
	cfg := stubConfig(t, "STUB_HEALTH_STATUS=503")
	cfg.StartupTimeout = 700 * time.Millisecond
	h := newHandle(t, cfg, Options{})

	start := time.Now()
	_, err := h.Start(context.Background())
	var te *readiness.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.LastStatus)
	assert.Less(t, time.Since(start), 700*time.Millisecond+3*time.Second)
	assert.Equal(t, Failed, h.State())
	requireGone(t, h.PID())
}

func TestCrashAfterReadyIsReportedOnEvents(t *testing.T) {
	requireUnix(t)
	sink := &memSink{}
	h := newHandle(t, stubConfig(t, "STUB_EXIT_CODE=5", "STUB_EXIT_AFTER=500ms"), Options{History: sink})

	_, err := h.Start(context.Background())
	require.NoError(t, err)

	var got []Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				done = true
				break
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("no terminal event after crash")
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, Failed, got[2].State)
	var ce *process.CrashError
	require.ErrorAs(t, got[2].Err, &ce)
	assert.Equal(t, 5, ce.ExitCode)
	assert.Equal(t, h.RunID(), got[2].RunID)

	<-h.Done()
	assert.ErrorAs(t, h.Err(), &ce)
	assert.NoError(t, h.Stop(), "stop after failure is a no-op")
	assert.Equal(t, Failed, h.State())
	assert.Equal(t, history.EventFailed, sink.types()[len(sink.types())-1])
}

func TestStopForcesStubbornService(t *testing.T) {
	requireUnix(t)
	cfg := stubConfig(t, "STUB_IGNORE_TERM=1")
	cfg.StopGrace = 300 * time.Millisecond
	h := newHandle(t, cfg, Options{})

	_, err := h.Start(context.Background())
	require.NoError(t, err)
	pid := h.PID()

	start := time.Now()
	require.NoError(t, h.Stop(), "a forced but reaped kill is not an error")
	assert.Less(t, time.Since(start), cfg.StopGrace+cfg.KillMargin)
	assert.GreaterOrEqual(t, time.Since(start), cfg.StopGrace)
	requireGone(t, pid)
	assert.Equal(t, Stopped, h.State())
}

func TestStopDuringStartingAborts(t *testing.T) {
	requireUnix(t)
	h := newHandle(t, stubConfig(t, "STUB_BIND_DELAY=10s"), Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := h.Start(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.PID() != 0 }, 5*time.Second, 10*time.Millisecond)
	pid := h.PID()

	require.NoError(t, h.Stop())
	err := <-errc
	assert.ErrorIs(t, err, ErrStartAborted)
	assert.Equal(t, Stopped, h.State())
	assert.NoError(t, h.Err())
	requireGone(t, pid)
}

func TestStartContextCancelled(t *testing.T) {
	requireUnix(t)
	h := newHandle(t, stubConfig(t, "STUB_BIND_DELAY=10s"), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)
	_, err := h.Start(ctx)
	assert.ErrorIs(t, err, ErrStartAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, h.State())
	requireGone(t, h.PID())
}

func TestStopBeforeStart(t *testing.T) {
	h := newHandle(t, stubConfig(t), Options{})
	require.NoError(t, h.Stop())
	assert.Equal(t, Stopped, h.State())
	assert.Equal(t, []State{Stopped}, drain(h.Events()))
	_, err := h.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConcurrentStopWaitsForFirst(t *testing.T) {
	requireUnix(t)
	cfg := stubConfig(t, "STUB_IGNORE_TERM=1")
	cfg.StopGrace = 300 * time.Millisecond
	h := newHandle(t, cfg, Options{})
	_, err := h.Start(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Stop())
			assert.Equal(t, Stopped, h.State())
		}()
	}
	wg.Wait()
}

func TestStartLaunchFailure(t *testing.T) {
	cfg := stubConfig(t)
	cfg.Executable = "/definitely/not/here/service"
	h := newHandle(t, cfg, Options{})

	_, err := h.Start(context.Background())
	var le *process.LaunchError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, err.Error(), "launch")
	assert.Equal(t, Failed, h.State())
}

func TestStartStorageFailure(t *testing.T) {
	h := newHandle(t, stubConfig(t), Options{Fs: afero.NewReadOnlyFs(afero.NewMemMapFs())})
	_, err := h.Start(context.Background())
	var se *sandbox.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Failed, h.State())
	assert.Zero(t, h.PID(), "nothing may be launched when storage fails")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app name is required")
	assert.Contains(t, err.Error(), "executable is required")

	h, err := New(Config{AppName: "a", Executable: "x", HealthPath: "health"}, Options{})
	require.NoError(t, err)
	c := h.Config()
	assert.Equal(t, "/health", c.HealthPath)
	assert.Equal(t, DefaultStartupTimeout, c.StartupTimeout)
	assert.Equal(t, DefaultPollInterval, c.PollInterval)
	assert.Equal(t, DefaultStopGrace, c.StopGrace)
	assert.Equal(t, DefaultKillMargin, c.KillMargin)
	assert.Equal(t, sandbox.DefaultDatabaseFile, c.DatabaseFile)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "not_started", NotStarted.String())
	assert.Equal(t, "ready", Ready.String())
	assert.True(t, Failed.Terminal())
	assert.True(t, Stopped.Terminal())
	assert.False(t, Stopping.Terminal())
}
