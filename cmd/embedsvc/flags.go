package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	AppName    string
	DataRoot   string
	LogDir     string
}

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	Executable     string
	Args           []string
	EnvKVs         []string
	HealthPath     string
	StartupTimeout time.Duration
	StopGrace      time.Duration
	MetricsAddr    string
	NoHistory      bool
	LogLevel       string
}

type LogsFlags struct {
	Lines  int
	Follow bool
}

type HistoryFlags struct {
	Limit int
}
