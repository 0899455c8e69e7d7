package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/loykin/embedsvc/internal/logger"
	"github.com/loykin/embedsvc/internal/sandbox"
	"github.com/loykin/embedsvc/internal/service"
)

// EnvPrefix prefixes environment overrides, e.g. EMBEDSVC_SERVICE_EXECUTABLE.
const EnvPrefix = "EMBEDSVC"

// FileConfig represents the top-level config file structure (TOML or YAML).
type FileConfig struct {
	Service ServiceSection `mapstructure:"service" validate:"required"`
	Storage StorageSection `mapstructure:"storage"`
	Log     LogSection     `mapstructure:"log"`
	History HistorySection `mapstructure:"history"`
	Metrics MetricsSection `mapstructure:"metrics"`
}

type ServiceSection struct {
	AppName        string        `mapstructure:"app_name" validate:"required,excludesall=/\\"`
	Executable     string        `mapstructure:"executable" validate:"required"`
	Args           []string      `mapstructure:"args"`
	Dir            string        `mapstructure:"dir"`
	Env            []string      `mapstructure:"env" validate:"dive,contains=="`
	HealthPath     string        `mapstructure:"health_path" validate:"required,startswith=/"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StopGrace      time.Duration `mapstructure:"stop_grace" validate:"gt=0"`
	KillMargin     time.Duration `mapstructure:"kill_margin" validate:"gt=0"`
}

type StorageSection struct {
	DataRoot     string `mapstructure:"data_root"`
	DatabaseFile string `mapstructure:"database_file" validate:"required,excludesall=/\\"`
	AssetsDir    string `mapstructure:"assets_dir"`
	SeedDatabase string `mapstructure:"seed_database"`
}

type LogSection struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=text json"`
	Color      bool   `mapstructure:"color"`
	Dir        string `mapstructure:"dir"` // overrides the platform log dir
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

type HistorySection struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // defaults to history.db in the data root
}

type MetricsSection struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.app_name", "")
	v.SetDefault("service.executable", "")
	v.SetDefault("service.args", []string{})
	v.SetDefault("service.dir", "")
	v.SetDefault("service.env", []string{})
	v.SetDefault("service.health_path", service.DefaultHealthPath)
	v.SetDefault("service.startup_timeout", service.DefaultStartupTimeout)
	v.SetDefault("service.poll_interval", service.DefaultPollInterval)
	v.SetDefault("service.stop_grace", service.DefaultStopGrace)
	v.SetDefault("service.kill_margin", service.DefaultKillMargin)

	v.SetDefault("storage.data_root", "")
	v.SetDefault("storage.database_file", sandbox.DefaultDatabaseFile)
	v.SetDefault("storage.assets_dir", "")
	v.SetDefault("storage.seed_database", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given, with
// environment overrides applied. It is not validated, since the executable
// usually comes from flags.
func Default() (*FileConfig, error) {
	v := newViper()
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &fc, nil
}

// Load reads a TOML or YAML file (chosen by extension), applies defaults and
// EMBEDSVC_ environment overrides, and validates the result.
func Load(path string) (*FileConfig, error) {
	v := newViper()
	v.SetConfigFile(filepath.Clean(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &fc, nil
}

// Validate checks field constraints and reports every violation.
func (fc *FileConfig) Validate() error {
	err := validate.Struct(fc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	return errors.Join(msgs...)
}

// ServiceConfig maps the file onto a service.Config. Asset and seed paths
// are exposed as filesystems rooted at their directories.
func (fc *FileConfig) ServiceConfig() (service.Config, error) {
	s := fc.Service
	cfg := service.Config{
		AppName:        s.AppName,
		Executable:     s.Executable,
		Args:           s.Args,
		Dir:            s.Dir,
		Env:            s.Env,
		HealthPath:     s.HealthPath,
		StartupTimeout: s.StartupTimeout,
		PollInterval:   s.PollInterval,
		StopGrace:      s.StopGrace,
		KillMargin:     s.KillMargin,
		DataRoot:       fc.Storage.DataRoot,
		LogDir:         fc.Log.Dir,
		DatabaseFile:   fc.Storage.DatabaseFile,
	}
	if d := fc.Storage.AssetsDir; d != "" {
		st, err := os.Stat(d)
		if err != nil {
			return service.Config{}, fmt.Errorf("assets dir: %w", err)
		}
		if !st.IsDir() {
			return service.Config{}, fmt.Errorf("assets dir %s is not a directory", d)
		}
		cfg.Assets = os.DirFS(d)
	}
	if p := fc.Storage.SeedDatabase; p != "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return service.Config{}, fmt.Errorf("seed database: %w", err)
		}
		cfg.Seed = os.DirFS(filepath.Dir(abs))
		cfg.SeedFile = filepath.Base(abs)
	}
	return cfg, nil
}

// LoggerConfig maps the log section onto a logger.Config writing the host
// log into dir.
func (fc *FileConfig) LoggerConfig(dir string) logger.Config {
	l := fc.Log
	return logger.Config{
		Level:  l.Level,
		Format: l.Format,
		Color:  l.Color,
		File: logger.FileConfig{
			Dir:        dir,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}
