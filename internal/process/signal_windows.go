//go:build windows

package process

import (
	"os"

	"golang.org/x/sys/windows"
)

// interruptGroup sends CTRL_BREAK to the child's process group. The child is
// started with CREATE_NEW_PROCESS_GROUP so the host does not receive it.
func interruptGroup(p *Process) error {
	return interruptPID(p.pid)
}

func killGroup(p *Process) error {
	return p.cmd.Process.Kill()
}

func interruptPID(pid int) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
}

func killPID(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	defer func() { _ = proc.Release() }()
	return proc.Kill()
}
