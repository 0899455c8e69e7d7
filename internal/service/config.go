package service

import (
	"errors"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/loykin/embedsvc/internal/sandbox"
)

const (
	DefaultHealthPath     = "/api/health"
	DefaultStartupTimeout = 30 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultStopGrace      = 10 * time.Second
	DefaultKillMargin     = 2 * time.Second

	// ServiceLogName is the child's stdout/stderr file inside the log dir.
	ServiceLogName = "service.log"
)

// Config is fixed for the lifetime of a Handle.
type Config struct {
	AppName    string   // names the data and log directories
	Executable string   // service binary
	Args       []string // may reference launch variables as ${EMBEDSVC_PORT}
	Dir        string   // working directory; defaults to the data root
	Env        []string // K=V overrides applied before the launch variables

	HealthPath     string
	StartupTimeout time.Duration
	PollInterval   time.Duration
	StopGrace      time.Duration
	KillMargin     time.Duration

	DataRoot     string // overrides the platform data root
	LogDir       string // overrides the platform log dir
	DatabaseFile string // defaults to service.db
	Assets       fs.FS  // default assets installed on first run
	Seed         fs.FS  // holds the seed database
	SeedFile     string // path of the seed database inside Seed
}

func (c Config) withDefaults() Config {
	c.Args = slices.Clone(c.Args)
	c.Env = slices.Clone(c.Env)
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		c.HealthPath = "/" + c.HealthPath
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.KillMargin <= 0 {
		c.KillMargin = DefaultKillMargin
	}
	if c.DatabaseFile == "" {
		c.DatabaseFile = sandbox.DefaultDatabaseFile
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.AppName) == "" {
		errs = append(errs, errors.New("app name is required"))
	}
	if strings.TrimSpace(c.Executable) == "" {
		errs = append(errs, errors.New("executable is required"))
	}
	if (c.Seed == nil) != (c.SeedFile == "") {
		errs = append(errs, errors.New("seed source and seed file must be set together"))
	}
	return errors.Join(errs...)
}
