package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/embedsvc/internal/config"
	histsqlite "github.com/loykin/embedsvc/internal/history/sqlite"
	"github.com/loykin/embedsvc/internal/logger"
	"github.com/loykin/embedsvc/internal/metrics"
	"github.com/loykin/embedsvc/internal/sandbox"
	"github.com/loykin/embedsvc/internal/service"
)

// HistoryFile is the lifecycle history database kept in the data root,
// next to (never inside) the service's own database directory.
const HistoryFile = "history.db"

type command struct {
	global *GlobalFlags
}

// loadConfig reads the config file (or defaults) and applies global flags.
func (c command) loadConfig() (*config.FileConfig, error) {
	var (
		fc  *config.FileConfig
		err error
	)
	if c.global.ConfigPath != "" {
		fc, err = config.Load(c.global.ConfigPath)
	} else {
		fc, err = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.global.AppName != "" {
		fc.Service.AppName = c.global.AppName
	}
	if c.global.DataRoot != "" {
		fc.Storage.DataRoot = c.global.DataRoot
	}
	if c.global.LogDir != "" {
		fc.Log.Dir = c.global.LogDir
	}
	if fc.Service.AppName == "" {
		return nil, errors.New("application name required: use --app or service.app_name")
	}
	return fc, nil
}

// resolvePaths returns the sandbox layout and the log directory without
// creating anything.
func resolvePaths(fc *config.FileConfig) (sandbox.Paths, string, error) {
	sb := sandbox.New(sandbox.Options{Root: fc.Storage.DataRoot, DatabaseFile: fc.Storage.DatabaseFile})
	p, err := sb.Resolve(fc.Service.AppName)
	if err != nil {
		return sandbox.Paths{}, "", err
	}
	logDir := fc.Log.Dir
	if logDir == "" {
		if logDir, err = sandbox.LogDir(fc.Service.AppName); err != nil {
			return sandbox.Paths{}, "", err
		}
	}
	return p, logDir, nil
}

func historyPath(fc *config.FileConfig, p sandbox.Paths) string {
	if fc.History.Path != "" {
		return fc.History.Path
	}
	return filepath.Join(p.Root, HistoryFile)
}

// Run starts the service and blocks until it exits or a signal arrives.
func (c command) Run(cmd *cobra.Command, f RunFlags) error {
	fc, err := c.loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if f.Executable != "" {
		fc.Service.Executable = f.Executable
	}
	if flags.Changed("arg") {
		fc.Service.Args = f.Args
	}
	fc.Service.Env = append(fc.Service.Env, f.EnvKVs...)
	if f.HealthPath != "" {
		fc.Service.HealthPath = f.HealthPath
	}
	if f.StartupTimeout > 0 {
		fc.Service.StartupTimeout = f.StartupTimeout
	}
	if f.StopGrace > 0 {
		fc.Service.StopGrace = f.StopGrace
	}
	if f.LogLevel != "" {
		fc.Log.Level = f.LogLevel
	}
	if f.NoHistory {
		fc.History.Enabled = false
	}
	if f.MetricsAddr != "" {
		fc.Metrics.Enabled = true
		fc.Metrics.Listen = f.MetricsAddr
	}
	if err := fc.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	paths, logDir, err := resolvePaths(fc)
	if err != nil {
		return err
	}
	fc.Log.Dir = logDir

	lc := fc.LoggerConfig(logDir)
	lc.Console = cmd.ErrOrStderr()
	lg, closer, err := logger.New(lc)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if fc.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		go func() {
			if err := metrics.Serve(ctx, fc.Metrics.Listen); err != nil {
				lg.Error("metrics server failed", "addr", fc.Metrics.Listen, "error", err)
			}
		}()
		lg.Info("serving metrics", "addr", fc.Metrics.Listen)
	}

	opts := service.Options{Logger: lg}
	if fc.History.Enabled {
		sink, err := histsqlite.New(historyPath(fc, paths))
		if err != nil {
			lg.Warn("history disabled", "error", err)
		} else {
			defer func() { _ = sink.Close() }()
			opts.History = sink
		}
	}

	scfg, err := fc.ServiceConfig()
	if err != nil {
		return err
	}
	h, err := service.New(scfg, opts)
	if err != nil {
		return err
	}
	baseURL, err := h.Start(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), baseURL)

	select {
	case <-ctx.Done():
		lg.Info("shutting down", "cause", context.Cause(ctx))
		return h.Stop()
	case <-h.Done():
		return h.Err()
	}
}

type pathsOutput struct {
	sandbox.Paths
	LogDir     string `json:"log_dir"`
	ServiceLog string `json:"service_log"`
	HostLog    string `json:"host_log"`
	History    string `json:"history"`
}

// Paths prints the resolved layout as JSON.
func (c command) Paths(out io.Writer) error {
	fc, err := c.loadConfig()
	if err != nil {
		return err
	}
	p, logDir, err := resolvePaths(fc)
	if err != nil {
		return err
	}
	return printJSON(out, pathsOutput{
		Paths:      p,
		LogDir:     logDir,
		ServiceLog: filepath.Join(logDir, service.ServiceLogName),
		HostLog:    fc.LoggerConfig(logDir).File.Path(),
		History:    historyPath(fc, p),
	})
}

// Logs shows or follows the service log.
func (c command) Logs(ctx context.Context, out io.Writer, f LogsFlags) error {
	fc, err := c.loadConfig()
	if err != nil {
		return err
	}
	_, logDir, err := resolvePaths(fc)
	if err != nil {
		return err
	}
	path := filepath.Join(logDir, service.ServiceLogName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("log file not found: %s\nThe service may not have started yet", path)
	}
	if f.Follow {
		return followLogs(ctx, out, path, f.Lines)
	}
	return showLogs(out, path, f.Lines)
}

// showLogs prints the last n lines of the file.
func showLogs(out io.Writer, path string, n int) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return showLines(out, file, n)
}

func showLines(out io.Writer, r io.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(r)
	// long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}
	for _, line := range ring {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

// followLogs prints the tail, then every complete line appended afterwards
// until ctx is done or a signal arrives.
func followLogs(ctx context.Context, out io.Writer, path string, n int) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek to end of log file: %w", err)
	}
	if err := showLines(out, io.NewSectionReader(file, 0, end), n); err != nil {
		return err
	}
	reader := bufio.NewReader(io.NewSectionReader(file, end, 1<<62))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var partial string
	drain := func() {
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				partial += chunk
				return
			}
			_, _ = fmt.Fprint(out, partial+chunk)
			partial = ""
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) {
				drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch log file: %w", err)
		}
	}
}

// History prints the most recent lifecycle events, newest first.
func (c command) History(ctx context.Context, out io.Writer, f HistoryFlags) error {
	fc, err := c.loadConfig()
	if err != nil {
		return err
	}
	p, _, err := resolvePaths(fc)
	if err != nil {
		return err
	}
	path := historyPath(fc, p)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no history recorded at %s", path)
	}
	sink, err := histsqlite.New(path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = sink.Close() }()
	events, err := sink.Recent(ctx, f.Limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	return printJSON(out, events)
}
