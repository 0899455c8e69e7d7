// Package stubsvc is a minimal service that honours the embedsvc launch
// interface. Its behaviour is steered through STUB_* variables so tests can
// reproduce slow starts, crashes and stubborn shutdowns.
package stubsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Config is read from the environment by ConfigFromEnv.
type Config struct {
	Host         string
	Port         int
	DBPath       string
	TmpDir       string
	RunID        string
	HealthPath   string        // STUB_HEALTH_PATH, default /api/health
	BindDelay    time.Duration // STUB_BIND_DELAY: wait before listening
	ReadyDelay   time.Duration // STUB_READY_DELAY: answer 503 until elapsed
	HealthStatus int           // STUB_HEALTH_STATUS: fixed health status once ready
	ExitCode     int           // STUB_EXIT_CODE: exit with this code ...
	ExitAfter    time.Duration // STUB_EXIT_AFTER: ... after this long (0 exits before binding)
	Exit         bool
	IgnoreTerm   bool // STUB_IGNORE_TERM
}

// ConfigFromEnv builds a Config from getenv.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Host:         getenv("EMBEDSVC_HOST"),
		DBPath:       getenv("EMBEDSVC_DB_PATH"),
		TmpDir:       getenv("EMBEDSVC_TMP_DIR"),
		RunID:        getenv("EMBEDSVC_RUN_ID"),
		HealthPath:   getenv("STUB_HEALTH_PATH"),
		HealthStatus: http.StatusOK,
		IgnoreTerm:   getenv("STUB_IGNORE_TERM") != "",
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/api/health"
	}
	p, err := strconv.Atoi(getenv("EMBEDSVC_PORT"))
	if err != nil || p <= 0 || p > 65535 {
		return Config{}, fmt.Errorf("EMBEDSVC_PORT must be a valid port, got %q", getenv("EMBEDSVC_PORT"))
	}
	cfg.Port = p

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"STUB_BIND_DELAY", &cfg.BindDelay},
		{"STUB_READY_DELAY", &cfg.ReadyDelay},
		{"STUB_EXIT_AFTER", &cfg.ExitAfter},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			if *d.dst, err = time.ParseDuration(v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", d.key, err)
			}
		}
	}
	if v := getenv("STUB_HEALTH_STATUS"); v != "" {
		if cfg.HealthStatus, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("STUB_HEALTH_STATUS: %w", err)
		}
	}
	if v := getenv("STUB_EXIT_CODE"); v != "" {
		if cfg.ExitCode, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("STUB_EXIT_CODE: %w", err)
		}
		cfg.Exit = true
	}
	return cfg, nil
}

// ExitError asks the caller to terminate with Code.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("exit %d", e.Code) }

// Run serves until ctx is done or the configured exit fires.
func Run(ctx context.Context, cfg Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log.Info("stub starting", "port", cfg.Port, "run_id", cfg.RunID, "pid", os.Getpid())

	if cfg.DBPath != "" {
		if err := touchDB(cfg.DBPath, cfg.RunID); err != nil {
			return fmt.Errorf("open database: %w", err)
		}
	}
	if cfg.Exit && cfg.ExitAfter <= 0 {
		log.Error("stub exiting on request", "code", cfg.ExitCode)
		return &ExitError{Code: cfg.ExitCode}
	}

	if cfg.BindDelay > 0 {
		select {
		case <-time.After(cfg.BindDelay):
		case <-ctx.Done():
			return nil
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	boundAt := time.Now()
	var requests atomic.Int64

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = ln
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requests.Add(1)
			return next(c)
		}
	})

	e.GET(cfg.HealthPath, func(c echo.Context) error {
		if time.Since(boundAt) < cfg.ReadyDelay {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		}
		return c.JSON(cfg.HealthStatus, map[string]string{"status": http.StatusText(cfg.HealthStatus)})
	})
	e.GET("/api/info", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"pid":      os.Getpid(),
			"port":     cfg.Port,
			"db_path":  cfg.DBPath,
			"tmp_dir":  cfg.TmpDir,
			"tmpdir":   os.Getenv("TMPDIR"),
			"run_id":   cfg.RunID,
			"args":     os.Args[1:],
			"requests": requests.Load(),
		})
	})

	errc := make(chan error, 1)
	go func() { errc <- e.Start("") }()
	log.Info("stub listening", "addr", ln.Addr().String())

	var exitC <-chan time.Time
	if cfg.Exit {
		exitC = time.After(cfg.ExitAfter)
	}
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-exitC:
		log.Error("stub crashing on request", "code", cfg.ExitCode)
		return &ExitError{Code: cfg.ExitCode}
	case <-ctx.Done():
	}

	log.Info("stub shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(sctx)
}

func touchDB(path, runID string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "run %s\n", runID); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Main runs the stub against the process environment and returns the exit code.
func Main() int {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := ConfigFromEnv(os.Getenv)
	if err != nil {
		log.Error("invalid stub config", "error", err)
		return 2
	}
	sigs := []os.Signal{os.Interrupt, syscall.SIGTERM}
	if cfg.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
		sigs = sigs[:1]
	}
	ctx, stop := signal.NotifyContext(context.Background(), sigs...)
	defer stop()

	if err := Run(ctx, cfg, log); err != nil {
		var ee *ExitError
		if errors.As(err, &ee) {
			return ee.Code
		}
		log.Error("stub failed", "error", err)
		return 1
	}
	return 0
}
