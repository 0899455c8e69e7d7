package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// platform captures the lookups path resolution depends on so tests can
// exercise every OS rule on any host.
type platform struct {
	goos    string
	getenv  func(string) string
	homeDir func() (string, error)
}

func hostPlatform() platform {
	return platform{goos: runtime.GOOS, getenv: os.Getenv, homeDir: os.UserHomeDir}
}

// DataRoot returns the per-user application data directory for appName.
func DataRoot(appName string) (string, error) {
	return hostPlatform().dataRoot(appName)
}

// LogDir returns the fixed per-application log directory for appName.
func LogDir(appName string) (string, error) {
	return hostPlatform().logDir(appName)
}

func (p platform) dataRoot(appName string) (string, error) {
	if err := checkAppName(appName); err != nil {
		return "", err
	}
	switch p.goos {
	case "darwin":
		home, err := p.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", appName), nil
	case "windows":
		if d := p.getenv("AppData"); d != "" {
			return filepath.Join(d, appName), nil
		}
		home, err := p.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "AppData", "Roaming", appName), nil
	default:
		if d := p.getenv("XDG_DATA_HOME"); filepath.IsAbs(d) {
			return filepath.Join(d, unixName(appName)), nil
		}
		home, err := p.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", unixName(appName)), nil
	}
}

func (p platform) logDir(appName string) (string, error) {
	if err := checkAppName(appName); err != nil {
		return "", err
	}
	switch p.goos {
	case "darwin":
		home, err := p.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Logs", appName), nil
	case "windows":
		if d := p.getenv("LocalAppData"); d != "" {
			return filepath.Join(d, appName, "Logs"), nil
		}
		home, err := p.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "AppData", "Local", appName, "Logs"), nil
	default:
		if d := p.getenv("XDG_STATE_HOME"); filepath.IsAbs(d) {
			return filepath.Join(d, unixName(appName), "logs"), nil
		}
		home, err := p.homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "state", unixName(appName), "logs"), nil
	}
}

// unixName follows the lower-case, dash-separated convention of XDG dirs.
func unixName(appName string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(appName)), " ", "-")
}

func checkAppName(appName string) error {
	n := strings.TrimSpace(appName)
	if n == "" {
		return errors.New("app name is required")
	}
	if n == "." || n == ".." || strings.ContainsAny(n, `/\`) {
		return errors.New("app name must be a single path element")
	}
	return nil
}
