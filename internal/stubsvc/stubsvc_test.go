package stubsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return p
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestConfigFromEnv(t *testing.T) {
	cfg, err := ConfigFromEnv(envMap(map[string]string{
		"EMBEDSVC_PORT":      "4242",
		"EMBEDSVC_DB_PATH":   "/data/db/service.db",
		"STUB_BIND_DELAY":    "400ms",
		"STUB_HEALTH_STATUS": "500",
		"STUB_EXIT_CODE":     "3",
	}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 4242, cfg.Port)
	assert.Equal(t, 400*time.Millisecond, cfg.BindDelay)
	assert.Equal(t, 500, cfg.HealthStatus)
	assert.True(t, cfg.Exit)
	assert.Equal(t, 3, cfg.ExitCode)
	assert.Equal(t, "/api/health", cfg.HealthPath)

	_, err = ConfigFromEnv(envMap(map[string]string{"EMBEDSVC_PORT": "nope"}))
	assert.Error(t, err)
	_, err = ConfigFromEnv(envMap(map[string]string{"EMBEDSVC_PORT": "1", "STUB_READY_DELAY": "soon"}))
	assert.Error(t, err)
}

func TestRunServesHealthAndInfo(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Host:         "127.0.0.1",
		Port:         freePort(t),
		DBPath:       filepath.Join(dir, "service.db"),
		RunID:        "r1",
		HealthPath:   "/api/health",
		HealthStatus: http.StatusOK,
		ReadyDelay:   200 * time.Millisecond,
	}
	require.NoError(t, os.WriteFile(cfg.DBPath, []byte("existing\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Run(ctx, cfg, nil) }()

	base := "http://127.0.0.1:" + strconv.Itoa(cfg.Port)
	var sawStarting, sawReady bool
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !sawReady {
		resp, err := http.Get(base + "/api/health")
		if err == nil {
			switch resp.StatusCode {
			case http.StatusServiceUnavailable:
				sawStarting = true
			case http.StatusOK:
				sawReady = true
			}
			_ = resp.Body.Close()
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, sawStarting, "expected 503 during ready delay")
	require.True(t, sawReady, "stub never became ready")

	resp, err := http.Get(base + "/api/info")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	_ = resp.Body.Close()
	assert.Equal(t, "r1", info["run_id"])

	b, err := os.ReadFile(cfg.DBPath)
	require.NoError(t, err)
	assert.Equal(t, "existing\nrun r1\n", string(b), "database must only be appended to")

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunExitsImmediately(t *testing.T) {
	err := Run(context.Background(), Config{Host: "127.0.0.1", Port: freePort(t), Exit: true, ExitCode: 7}, nil)
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 7, ee.Code)
}

func TestRunExitsAfterDelay(t *testing.T) {
	start := time.Now()
	err := Run(context.Background(), Config{Host: "127.0.0.1", Port: freePort(t), HealthPath: "/h", HealthStatus: 200, Exit: true, ExitCode: 4, ExitAfter: 150 * time.Millisecond}, nil)
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 4, ee.Code)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
