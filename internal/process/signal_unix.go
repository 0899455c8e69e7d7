//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// interruptGroup sends SIGTERM to the child's process group.
func interruptGroup(p *Process) error {
	return signalGroup(p.pid, unix.SIGTERM)
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(p *Process) error {
	return signalGroup(p.pid, unix.SIGKILL)
}

func interruptPID(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func killPID(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// signalGroup signals the group led by pid, falling back to pid alone when
// it does not lead its own group.
func signalGroup(pid int, sig unix.Signal) error {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		err := unix.Kill(-pid, sig)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
