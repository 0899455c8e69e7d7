// Package service sequences the embedded service's lifecycle: storage,
// port, launch, readiness and shutdown, behind a single owned Handle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/loykin/embedsvc/internal/history"
	"github.com/loykin/embedsvc/internal/metrics"
	"github.com/loykin/embedsvc/internal/port"
	"github.com/loykin/embedsvc/internal/process"
	"github.com/loykin/embedsvc/internal/readiness"
	"github.com/loykin/embedsvc/internal/sandbox"
)

// eventBuffer exceeds the longest possible transition sequence so emitting
// under the lock never blocks.
const eventBuffer = 8

const historyTimeout = 2 * time.Second

// Options carries collaborators; every field is optional.
type Options struct {
	Logger     *slog.Logger
	History    history.Sink
	Fs         afero.Fs     // sandbox filesystem, defaults to the OS
	HTTPClient *http.Client // readiness client
	Allocator  *port.Allocator
}

// Handle owns one embedded service instance from start to stop. A Handle is
// single-use: once Failed or Stopped, create a new one to start again.
type Handle struct {
	cfg     Config
	log     *slog.Logger
	sup     *process.Supervisor
	sandbox *sandbox.Sandbox
	probe   *readiness.Probe
	alloc   port.Allocator
	history history.Sink

	mu            sync.Mutex
	state         State
	err           error
	stopRequested bool
	stopErr       error
	runID         string
	paths         sandbox.Paths
	logFile       string
	port          int
	baseURL       string
	proc          *process.Process
	startedAt     time.Time
	abort         context.CancelCauseFunc
	events        chan Event
	done          chan struct{}
}

// New validates cfg, applies defaults and returns a handle in NotStarted.
func New(cfg Config, opts Options) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %w", err)
	}
	cfg = cfg.withDefaults()
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg = lg.With("app", cfg.AppName)
	h := &Handle{
		cfg: cfg,
		log: lg,
		sup: &process.Supervisor{KillMargin: cfg.KillMargin, Logger: lg},
		sandbox: sandbox.New(sandbox.Options{
			Root:         cfg.DataRoot,
			DatabaseFile: cfg.DatabaseFile,
			Assets:       cfg.Assets,
			Seed:         cfg.Seed,
			SeedFile:     cfg.SeedFile,
			Fs:           opts.Fs,
		}),
		probe:   &readiness.Probe{Client: opts.HTTPClient, Logger: lg},
		history: opts.History,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	if opts.Allocator != nil {
		h.alloc = *opts.Allocator
	}
	return h, nil
}

// Config returns the effective configuration, defaults applied.
func (h *Handle) Config() Config { return h.cfg }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Events delivers every transition. It is closed after the terminal one.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the handle reaches Failed or Stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the cause of a Failed state, or the error of an incomplete Stop.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	return h.stopErr
}

// BaseURL is empty until Ready.
func (h *Handle) BaseURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseURL
}

func (h *Handle) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// PID of the current child, 0 when none was launched.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return 0
	}
	return h.proc.PID()
}

// Paths is the prepared sandbox layout; zero until storage was prepared.
func (h *Handle) Paths() sandbox.Paths {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paths
}

// LogFile is the child's append-only output file; empty until resolved.
func (h *Handle) LogFile() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logFile
}

// Start runs the start sequence on the caller's goroutine and returns the
// base URL once the health endpoint answers. Any failure kills whatever was
// launched, moves the handle to Failed (or Stopped when Stop interrupted it)
// and is returned.
func (h *Handle) Start(ctx context.Context) (string, error) {
	h.mu.Lock()
	if h.state != NotStarted {
		s := h.state
		h.mu.Unlock()
		return "", fmt.Errorf("start in state %s: %w", s, ErrInvalidState)
	}
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	h.runID = uuid.NewString()
	h.abort = cancel
	h.startedAt = time.Now()
	h.setStateLocked(Starting, nil)
	runID := h.runID
	h.mu.Unlock()

	log := h.log.With("run_id", runID)
	log.Info("starting service", "executable", h.cfg.Executable)

	baseURL, err := h.start(sctx, log, runID)
	if err != nil {
		return "", h.failStart(ctx, log, err)
	}

	h.mu.Lock()
	if h.stopRequested {
		h.mu.Unlock()
		return "", h.failStart(ctx, log, errStopRequested)
	}
	if h.proc.Exited() {
		h.mu.Unlock()
		return "", h.failStart(ctx, log, errors.New("service exited before becoming ready"))
	}
	h.baseURL = baseURL
	startedAt := h.startedAt
	h.setStateLocked(Ready, nil)
	pid := h.proc.PID()
	h.mu.Unlock()

	elapsed := time.Since(startedAt)
	metrics.IncStart(h.cfg.AppName, "ready")
	metrics.ObserveStartupDuration(h.cfg.AppName, elapsed)
	h.record(history.Event{Type: history.EventReady, RunID: runID, PID: pid, Port: h.port, BaseURL: baseURL})
	log.Info("service ready", "url", baseURL, "pid", pid, "elapsed", elapsed)
	return baseURL, nil
}

func (h *Handle) start(ctx context.Context, log *slog.Logger, runID string) (string, error) {
	paths, err := h.sandbox.Resolve(h.cfg.AppName)
	if err != nil {
		return "", fmt.Errorf("resolve storage: %w", err)
	}
	if pid, err := h.sup.ReapStale(ctx, paths.PIDFile, h.cfg.StopGrace); err != nil {
		log.Warn("could not reap stale service", "error", err)
	} else if pid != 0 {
		log.Warn("reaped orphaned service from previous run", "pid", pid)
	}
	if err := aborted(ctx); err != nil {
		return "", err
	}

	paths, err = h.sandbox.Prepare(h.cfg.AppName)
	if err != nil {
		return "", fmt.Errorf("prepare storage: %w", err)
	}
	logDir := h.cfg.LogDir
	if logDir == "" {
		if logDir, err = sandbox.LogDir(h.cfg.AppName); err != nil {
			return "", fmt.Errorf("prepare storage: %w", &sandbox.StorageError{Op: "resolve log dir", Path: h.cfg.AppName, Err: err})
		}
	}
	logFile := filepath.Join(logDir, ServiceLogName)
	h.mu.Lock()
	h.paths = paths
	h.logFile = logFile
	h.mu.Unlock()
	log.Debug("storage prepared", "root", paths.Root, "database", paths.Database)
	if err := aborted(ctx); err != nil {
		return "", err
	}

	listenPort, err := h.alloc.Allocate()
	if err != nil {
		return "", fmt.Errorf("allocate port: %w", err)
	}

	envList, args := launchEnv(os.Environ(), h.cfg.Env, h.cfg.Args, paths, listenPort, runID)
	dir := h.cfg.Dir
	if dir == "" {
		dir = paths.Root
	}
	proc, err := h.sup.Launch(ctx, process.Spec{
		Name:    h.cfg.AppName,
		Path:    h.cfg.Executable,
		Args:    args,
		Dir:     dir,
		Env:     envList,
		LogFile: logFile,
		PIDFile: paths.PIDFile,
		RunID:   runID,
	})
	if err != nil {
		if cerr := aborted(ctx); cerr != nil {
			return "", cerr
		}
		return "", fmt.Errorf("launch: %w", err)
	}
	h.mu.Lock()
	h.proc = proc
	h.port = listenPort
	abort := h.abort
	h.mu.Unlock()
	go h.watch(proc, abort)

	baseURL := "http://" + port.LoopbackHost + ":" + strconv.Itoa(listenPort) + "/"
	h.record(history.Event{Type: history.EventStart, RunID: runID, PID: proc.PID(), Port: listenPort})
	log.Info("waiting for service", "pid", proc.PID(), "port", listenPort, "health", h.cfg.HealthPath)

	if err := h.probe.WaitUntilReady(ctx, baseURL, h.cfg.HealthPath, h.cfg.StartupTimeout, h.cfg.PollInterval); err != nil {
		return "", fmt.Errorf("wait for readiness: %w", err)
	}
	return baseURL, nil
}

// failStart kills any launched child, settles the terminal state and
// returns the error Start reports.
func (h *Handle) failStart(parent context.Context, log *slog.Logger, err error) error {
	h.mu.Lock()
	proc := h.proc
	stopReq := h.stopRequested
	paths := h.paths
	runID := h.runID
	h.mu.Unlock()

	if proc != nil {
		if kerr := h.sup.Kill(proc); kerr != nil {
			log.Error("could not kill service after failed start", "pid", proc.PID(), "error", kerr)
		}
		// a child that died on its own explains the failure better than a timeout
		var ce *process.CrashError
		if crash := proc.CrashError(); crash != nil && !stopReq && !errors.As(err, &ce) {
			err = fmt.Errorf("wait for readiness: %w", crash)
		}
	}
	if cerr := h.sandbox.ClearTemp(paths); cerr != nil {
		log.Warn("clear temp dir", "error", cerr)
	}

	result := "failed"
	final := Failed
	switch {
	case stopReq:
		final = Stopped
		result = "aborted"
		if !errors.Is(err, ErrStartAborted) {
			err = fmt.Errorf("%w: %w", ErrStartAborted, err)
		}
	case parent.Err() != nil:
		result = "aborted"
		if !errors.Is(err, ErrStartAborted) {
			err = fmt.Errorf("%w: %w", ErrStartAborted, err)
		}
		if !errors.Is(err, parent.Err()) {
			err = fmt.Errorf("%w (%w)", err, parent.Err())
		}
	default:
		var ce *process.CrashError
		if errors.As(err, &ce) {
			metrics.IncCrash(h.cfg.AppName, "starting")
		}
	}

	h.mu.Lock()
	if final == Failed {
		h.err = err
	}
	h.setStateLocked(final, errIf(final == Failed, err))
	h.mu.Unlock()

	metrics.IncStart(h.cfg.AppName, result)
	ev := history.Event{Type: history.EventFailed, RunID: runID, Port: h.port, Error: err.Error()}
	if final == Stopped {
		ev.Type = history.EventStop
	}
	if proc != nil {
		ev.PID = proc.PID()
	}
	h.record(ev)
	if final == Stopped {
		log.Info("start aborted by stop", "error", err)
	} else {
		log.Error("service failed to start", "error", err)
	}
	return err
}

// watch observes the child's exit for the lifetime of one launch.
func (h *Handle) watch(proc *process.Process, abortStart context.CancelCauseFunc) {
	<-proc.Done()
	crash := proc.CrashError()

	h.mu.Lock()
	switch {
	case h.state == Starting:
		h.mu.Unlock()
		if crash != nil {
			abortStart(crash)
		}
		return
	case h.state == Ready && !h.stopRequested:
	default:
		h.mu.Unlock()
		return
	}
	var err error = crash
	if crash == nil {
		err = fmt.Errorf("service exited with code %d", proc.ExitCode())
	}
	h.err = err
	paths := h.paths
	runID := h.runID
	h.setStateLocked(Failed, err)
	h.mu.Unlock()

	h.log.Error("service crashed", "run_id", runID, "pid", proc.PID(), "error", err, "uptime", proc.Uptime())
	metrics.IncCrash(h.cfg.AppName, "ready")
	if cerr := h.sandbox.ClearTemp(paths); cerr != nil {
		h.log.Warn("clear temp dir", "error", cerr)
	}
	h.record(history.Event{Type: history.EventFailed, RunID: runID, PID: proc.PID(), Port: h.port, Error: err.Error()})
}

// Stop terminates the service and waits for it to exit. Stop never blocks
// longer than StopGrace plus KillMargin, also while Start is still reaping an
// orphan or waiting for readiness. A forced
// kill is logged and not reported; only a child that could not be reaped
// yields an error. Stop on a terminal handle is a no-op, and a concurrent
// Stop waits for the first one.
func (h *Handle) Stop() error {
	h.mu.Lock()
	switch h.state {
	case NotStarted:
		h.stopRequested = true
		h.setStateLocked(Stopped, nil)
		h.mu.Unlock()
		return nil
	case Failed, Stopped:
		h.mu.Unlock()
		return nil
	case Starting:
		h.stopRequested = true
		abort := h.abort
		h.mu.Unlock()
		h.log.Info("stop requested during start")
		abort(errStopRequested)
		<-h.done
		return nil
	case Stopping:
		h.mu.Unlock()
		<-h.done
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.stopErr
	}

	// Ready
	h.stopRequested = true
	h.setStateLocked(Stopping, nil)
	proc := h.proc
	paths := h.paths
	runID := h.runID
	h.mu.Unlock()

	log := h.log.With("run_id", runID)
	log.Info("stopping service", "pid", proc.PID(), "grace", h.cfg.StopGrace)
	var result error
	err := h.sup.Terminate(proc, h.cfg.StopGrace)
	var se *process.ShutdownError
	switch {
	case err == nil:
	case errors.As(err, &se) && se.Reaped:
		metrics.IncForcedKill(h.cfg.AppName)
		log.Warn("service ignored graceful stop and was killed", "pid", proc.PID(), "grace", h.cfg.StopGrace)
	default:
		metrics.IncForcedKill(h.cfg.AppName)
		log.Error("service could not be reaped", "pid", proc.PID(), "error", err)
		result = err
	}
	if cerr := h.sandbox.ClearTemp(paths); cerr != nil {
		log.Warn("clear temp dir", "error", cerr)
	}

	h.mu.Lock()
	h.stopErr = result
	h.setStateLocked(Stopped, nil)
	h.mu.Unlock()

	ev := history.Event{Type: history.EventStop, RunID: runID, PID: proc.PID(), Port: h.port}
	if result != nil {
		ev.Error = result.Error()
	}
	h.record(ev)
	log.Info("service stopped", "pid", proc.PID(), "uptime", proc.Uptime())
	return result
}

// setStateLocked applies a transition and emits its event. Callers hold h.mu.
func (h *Handle) setStateLocked(to State, err error) {
	from := h.state
	if from == to || from.Terminal() {
		return
	}
	h.state = to
	metrics.RecordStateTransition(h.cfg.AppName, from.String(), to.String())
	metrics.SetCurrentState(h.cfg.AppName, to.String(), stateNames())
	select {
	case h.events <- Event{State: to, Err: err, At: time.Now(), RunID: h.runID}:
	default:
		h.log.Warn("event channel full, dropping event", "state", to.String())
	}
	if to.Terminal() {
		close(h.events)
		close(h.done)
	}
}

func (h *Handle) record(e history.Event) {
	if h.history == nil {
		return
	}
	e.Name = h.cfg.AppName
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := h.history.Send(ctx, e); err != nil {
		h.log.Warn("record history event", "type", string(e.Type), "error", err)
	}
}

// aborted returns the cancellation cause once ctx is done.
func aborted(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func errIf(cond bool, err error) error {
	if cond {
		return err
	}
	return nil
}
