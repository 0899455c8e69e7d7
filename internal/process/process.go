package process

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a launched child. It is created by Supervisor.Launch and must
// not be copied.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	startUnix int64
	logFile   *os.File
	logOffset int64
	done      chan struct{} // closed by the monitor once cmd.Wait returns

	termMu sync.Mutex // serializes Terminate/Kill

	mu       sync.Mutex
	state    State
	stopping bool // a terminate or kill was requested
	exitCode int
	signal   string
	exitErr  error
	crash    *CrashError
	exitedAt time.Time
}

func (p *Process) Name() string { return p.spec.Name }

func (p *Process) PID() int { return p.pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// StartUnix is the start time as recorded by the OS, in Unix seconds, or 0
// when it could not be read.
func (p *Process) StartUnix() int64 { return p.startUnix }

// LogOffset is the size of the log file before this run wrote to it.
func (p *Process) LogOffset() int64 { return p.logOffset }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Exited {
		return -1
	}
	return p.exitCode
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// CrashError returns the crash report when the child exited without a stop
// request, and nil otherwise (including while it is still running).
func (p *Process) CrashError() *CrashError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crash
}

// Uptime is how long the child ran, or has been running so far.
func (p *Process) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Exited {
		return p.exitedAt.Sub(p.startedAt)
	}
	return time.Since(p.startedAt)
}

func (p *Process) markStopping() {
	p.mu.Lock()
	if p.state == Running {
		p.state = Stopping
	}
	p.stopping = true
	p.mu.Unlock()
}
