package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/loykin/embedsvc/internal/logger"
)

const (
	DefaultKillMargin = 2 * time.Second
	// CrashTailLines bounds the log excerpt attached to a CrashError.
	CrashTailLines = 20
)

// Supervisor launches children and owns their termination.
type Supervisor struct {
	KillMargin time.Duration // wait after a forced kill; defaults to DefaultKillMargin
	Logger     *slog.Logger
}

func (s *Supervisor) killMargin() time.Duration {
	if s.KillMargin <= 0 {
		return DefaultKillMargin
	}
	return s.KillMargin
}

func (s *Supervisor) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Launch starts the child in its own process group with stdout and stderr
// appended to spec.LogFile. Exactly one monitor goroutine reaps it.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		spec.Name = "service"
	}
	if err := spec.validate(); err != nil {
		return nil, &LaunchError{Name: spec.Name, Path: spec.Path, Err: err}
	}
	cmd, err := spec.buildCommand()
	if err != nil {
		return nil, &LaunchError{Name: spec.Name, Path: spec.Path, Err: err}
	}

	var logFile *os.File
	var offset int64
	if spec.LogFile != "" {
		logFile, offset, err = logger.OpenAppend(spec.LogFile)
		if err != nil {
			return nil, &LaunchError{Name: spec.Name, Path: spec.Path, Err: fmt.Errorf("open log file: %w", err)}
		}
		n, _ := fmt.Fprintf(logFile, "--- %s run %s starting at %s ---\n", spec.Name, spec.RunID, time.Now().Format(time.RFC3339))
		offset += int64(n)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, &LaunchError{Name: spec.Name, Path: spec.Path, Err: err}
	}

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		logFile:   logFile,
		logOffset: offset,
		done:      make(chan struct{}),
		state:     Running,
		exitCode:  -1,
	}
	p.startUnix = getProcStartUnix(p.pid)
	go s.monitor(p)

	if spec.PIDFile != "" {
		rec := PIDRecord{PID: p.pid, StartUnix: p.startUnix, RunID: spec.RunID}
		if err := WritePIDFile(spec.PIDFile, rec); err != nil {
			s.log().Warn("write pid file", "path", spec.PIDFile, "error", err)
		}
	}
	s.log().Info("service launched", "name", spec.Name, "pid", p.pid, "path", cmd.Path, "run_id", spec.RunID)
	return p, nil
}

// monitor is the only caller of cmd.Wait.
func (s *Supervisor) monitor(p *Process) {
	waitErr := p.cmd.Wait()

	code, sig := exitDetails(p.cmd.ProcessState)
	if p.logFile != nil {
		_ = p.logFile.Close()
	}
	if p.spec.PIDFile != "" {
		_ = RemovePIDFile(p.spec.PIDFile)
	}

	p.mu.Lock()
	p.state = Exited
	p.exitCode = code
	p.signal = sig
	p.exitErr = waitErr
	p.exitedAt = time.Now()
	unexpected := !p.stopping
	if unexpected {
		p.crash = &CrashError{
			Name:     p.spec.Name,
			PID:      p.pid,
			ExitCode: code,
			Signal:   sig,
			Err:      waitErr,
		}
		if p.spec.LogFile != "" {
			tail, err := logger.Tail(p.spec.LogFile, p.logOffset, CrashTailLines)
			if err != nil {
				s.log().Debug("crash report without log excerpt", "name", p.spec.Name, "log", p.spec.LogFile, "error", err)
			}
			p.crash.Tail = tail
		}
	}
	p.mu.Unlock()

	if unexpected {
		s.log().Error("service exited unexpectedly", "name", p.spec.Name, "pid", p.pid, "exit_code", code, "signal", sig)
	} else {
		s.log().Info("service exited", "name", p.spec.Name, "pid", p.pid, "exit_code", code, "signal", sig)
	}
	close(p.done)
}

// Terminate asks the child's process group to exit and waits up to grace.
// A child that outlives grace is killed and given the kill margin to be
// reaped; that path returns a ShutdownError with Forced set. Terminating an
// exited process is a no-op.
func (s *Supervisor) Terminate(p *Process, grace time.Duration) error {
	p.termMu.Lock()
	defer p.termMu.Unlock()
	if p.Exited() {
		return nil
	}
	p.markStopping()

	if err := interruptGroup(p); err != nil {
		if p.Exited() {
			return nil
		}
		s.log().Warn("graceful signal failed, killing", "pid", p.pid, "error", err)
		return s.forceKill(p, 0, err)
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	return s.forceKill(p, grace, nil)
}

// Kill force-kills the child's process group and waits up to the kill margin.
func (s *Supervisor) Kill(p *Process) error {
	p.termMu.Lock()
	defer p.termMu.Unlock()
	if p.Exited() {
		return nil
	}
	p.markStopping()
	err := s.forceKill(p, 0, nil)
	var se *ShutdownError
	if errors.As(err, &se) && se.Reaped {
		return nil
	}
	return err
}

func (s *Supervisor) forceKill(p *Process, grace time.Duration, cause error) error {
	kerr := killGroup(p)
	if kerr != nil && !errors.Is(kerr, os.ErrProcessDone) && !errors.Is(kerr, syscall.ESRCH) {
		s.log().Warn("kill failed", "pid", p.pid, "error", kerr)
	}
	t := time.NewTimer(s.killMargin())
	defer t.Stop()
	select {
	case <-p.done:
		return &ShutdownError{Name: p.spec.Name, PID: p.pid, Grace: grace, Forced: true, Reaped: true, Err: cause}
	case <-t.C:
		if cause == nil {
			cause = kerr
		}
		return &ShutdownError{Name: p.spec.Name, PID: p.pid, Grace: grace, Forced: true, Reaped: false, Err: cause}
	}
}

// exitDetails extracts the exit code and terminating signal name.
func exitDetails(ps *os.ProcessState) (int, string) {
	if ps == nil {
		return -1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return ps.ExitCode(), ""
}
