package service

import (
	"errors"
	"time"
)

// State is the lifecycle state of a Handle.
type State int

const (
	NotStarted State = iota
	Starting
	Ready
	Failed
	Stopping
	Stopped
)

var allStates = []State{NotStarted, Starting, Ready, Failed, Stopping, Stopped}

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == Failed || s == Stopped }

func stateNames() []string {
	out := make([]string, len(allStates))
	for i, s := range allStates {
		out[i] = s.String()
	}
	return out
}

var (
	// ErrInvalidState is returned by Start when the handle has already been started.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrStartAborted is wrapped by Start errors caused by Stop or context cancellation.
	ErrStartAborted = errors.New("start aborted")

	errStopRequested = &abortError{reason: "stop requested"}
)

type abortError struct{ reason string }

func (e *abortError) Error() string { return ErrStartAborted.Error() + ": " + e.reason }

func (e *abortError) Unwrap() error { return ErrStartAborted }

// Event is emitted on every state transition.
type Event struct {
	State State
	Err   error // cause of a Failed transition, nil otherwise
	At    time.Time
	RunID string
}
