package service

import (
	"strconv"

	"github.com/loykin/embedsvc/internal/env"
	"github.com/loykin/embedsvc/internal/port"
	"github.com/loykin/embedsvc/internal/sandbox"
)

// Variables every launched service receives. They override anything
// inherited or configured.
const (
	EnvPrefix    = "EMBEDSVC_"
	EnvHost      = EnvPrefix + "HOST"
	EnvPort      = EnvPrefix + "PORT"
	EnvDataRoot  = EnvPrefix + "DATA_ROOT"
	EnvDBPath    = EnvPrefix + "DB_PATH"
	EnvTmpDir    = EnvPrefix + "TMP_DIR"
	EnvAssetsDir = EnvPrefix + "ASSETS_DIR"
	EnvRunID     = EnvPrefix + "RUN_ID"
)

func launchVars(p sandbox.Paths, listenPort int, runID string) []string {
	return []string{
		EnvHost + "=" + port.LoopbackHost,
		EnvPort + "=" + strconv.Itoa(listenPort),
		EnvDataRoot + "=" + p.Root,
		EnvDBPath + "=" + p.Database,
		EnvTmpDir + "=" + p.TempDir,
		EnvAssetsDir + "=" + p.AssetsDir,
		EnvRunID + "=" + runID,
		"TMPDIR=" + p.TempDir,
		"TMP=" + p.TempDir,
		"TEMP=" + p.TempDir,
	}
}

// launchEnv composes the child environment and expands args against it.
// base is the inherited environment, normally os.Environ().
func launchEnv(base, overrides, args []string, p sandbox.Paths, listenPort int, runID string) ([]string, []string) {
	e := env.New()
	e.FromList(base)
	e.DropPrefix(EnvPrefix)
	e.SetList(overrides)
	fixed := launchVars(p, listenPort, runID)
	return e.Merge(fixed), env.ExpandAll(args, e.Map(fixed))
}
