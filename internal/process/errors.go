package process

import (
	"fmt"
	"strings"
	"time"
)

// LaunchError reports that the child could not be started at all: the
// executable is missing or not runnable, or its log file could not be opened.
type LaunchError struct {
	Name string
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CrashError reports an exit that nobody asked for.
type CrashError struct {
	Name     string
	PID      int
	ExitCode int    // -1 when terminated by a signal
	Signal   string // empty unless terminated by a signal
	Tail     []string
	Err      error // as returned by cmd.Wait
}

func (e *CrashError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (pid %d) exited unexpectedly", e.Name, e.PID)
	if e.Signal != "" {
		fmt.Fprintf(&b, ": signal %s", e.Signal)
	} else {
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if n := len(e.Tail); n > 0 {
		fmt.Fprintf(&b, "; last output: %s", e.Tail[n-1])
	}
	return b.String()
}

func (e *CrashError) Unwrap() error { return e.Err }

// ShutdownError reports that the graceful signal was not honoured in time.
// Reaped is false when the child was still not gone after the forced kill.
type ShutdownError struct {
	Name   string
	PID    int
	Grace  time.Duration
	Forced bool
	Reaped bool
	Err    error
}

func (e *ShutdownError) Error() string {
	switch {
	case !e.Reaped:
		return fmt.Sprintf("%s (pid %d) did not exit after forced kill", e.Name, e.PID)
	case e.Forced:
		return fmt.Sprintf("%s (pid %d) ignored graceful stop for %s and was killed", e.Name, e.PID, e.Grace)
	default:
		return fmt.Sprintf("stop %s (pid %d): %v", e.Name, e.PID, e.Err)
	}
}

func (e *ShutdownError) Unwrap() error { return e.Err }
