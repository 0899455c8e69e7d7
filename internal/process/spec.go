package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes how to launch the embedded service.
type Spec struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`     // executable; looked up in PATH when not absolute
	Args    []string `json:"args"`     // arguments, already expanded
	Dir     string   `json:"dir"`      // optional working dir
	Env     []string `json:"env"`      // full environment; empty inherits the host's
	LogFile string   `json:"log_file"` // append-only stdout/stderr destination; empty discards output
	PIDFile string   `json:"pid_file"` // optional; records pid and start time for stale reaping
	RunID   string   `json:"run_id"`
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("executable path is required")
	}
	return nil
}

// buildCommand resolves the executable and constructs the command. Lookup
// failures surface here rather than at Start so they can be classified.
func (s Spec) buildCommand() (*exec.Cmd, error) {
	path, err := exec.LookPath(s.Path)
	if err != nil {
		return nil, err
	}
	// #nosec G204 -- the executable is host configuration, not user input
	cmd := exec.Command(path, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}
