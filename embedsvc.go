// Package embedsvc starts, watches and stops a local web service embedded in
// a desktop application.
package embedsvc

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/embedsvc/internal/config"
	"github.com/loykin/embedsvc/internal/history"
	"github.com/loykin/embedsvc/internal/metrics"
	"github.com/loykin/embedsvc/internal/port"
	"github.com/loykin/embedsvc/internal/process"
	"github.com/loykin/embedsvc/internal/readiness"
	"github.com/loykin/embedsvc/internal/sandbox"
	"github.com/loykin/embedsvc/internal/service"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Handle = service.Handle

type Config = service.Config

type Options = service.Options

type State = service.State

type Event = service.Event

type Paths = sandbox.Paths

type PortAllocator = port.Allocator

type FileConfig = cfg.FileConfig

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	NotStarted = service.NotStarted
	Starting   = service.Starting
	Ready      = service.Ready
	Failed     = service.Failed
	Stopping   = service.Stopping
	Stopped    = service.Stopped
)

// Error types, matched with errors.As.
type (
	PortAllocationError   = port.AllocationError
	StorageError          = sandbox.StorageError
	LaunchError           = process.LaunchError
	ReadinessTimeoutError = readiness.TimeoutError
	ProcessCrashError     = process.CrashError
	ShutdownError         = process.ShutdownError
)

var (
	ErrInvalidState = service.ErrInvalidState
	ErrStartAborted = service.ErrStartAborted
)

// New returns a handle in NotStarted. Call Start to launch the service.
func New(c Config, opts Options) (*Handle, error) { return service.New(c, opts) }

// LoadConfig reads a TOML or YAML file with EMBEDSVC_ environment overrides.
func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// ResolvePaths computes the storage layout for appName without creating it.
// An empty root selects the platform data directory.
func ResolvePaths(appName, root string) (Paths, error) {
	return sandbox.New(sandbox.Options{Root: root}).Resolve(appName)
}

// LogDir returns the platform log directory for appName.
func LogDir(appName string) (string, error) { return sandbox.LogDir(appName) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics exposes /metrics on addr using the default registry until ctx
// is done.
func ServeMetrics(ctx context.Context, addr string) error { return metrics.Serve(ctx, addr) }
