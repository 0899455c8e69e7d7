package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/embedsvc/internal/sandbox"
)

func TestLaunchEnv(t *testing.T) {
	p := sandbox.Paths{Root: "/d", Database: "/d/db/service.db", TempDir: "/d/tmp", AssetsDir: "/d/assets"}
	base := []string{"HOME=/home/u", "EMBEDSVC_PORT=1", "EMBEDSVC_OTHER=x", "TMPDIR=/tmp"}
	overrides := []string{"EMBEDSVC_FEATURE=on", "EMBEDSVC_PORT=2", "API_URL=http://${EMBEDSVC_HOST}:${EMBEDSVC_PORT}"}

	envList, args := launchEnv(base, overrides, []string{"--port", "${EMBEDSVC_PORT}", "--db=${EMBEDSVC_DB_PATH}"}, p, 4242, "run-1")

	m := map[string]string{}
	for _, kv := range envList {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	assert.Equal(t, "4242", m[EnvPort], "launch variables win over configured ones")
	assert.Equal(t, "127.0.0.1", m[EnvHost])
	assert.Equal(t, "/d/db/service.db", m[EnvDBPath])
	assert.Equal(t, "/d/tmp", m[EnvTmpDir])
	assert.Equal(t, "/d/assets", m[EnvAssetsDir])
	assert.Equal(t, "/d", m[EnvDataRoot])
	assert.Equal(t, "run-1", m[EnvRunID])
	assert.Equal(t, "/d/tmp", m["TMPDIR"])
	assert.Equal(t, "/d/tmp", m["TEMP"])
	assert.Equal(t, "on", m["EMBEDSVC_FEATURE"], "configured prefix variables survive")
	assert.NotContains(t, m, "EMBEDSVC_OTHER", "inherited prefix variables are dropped")
	assert.Equal(t, "/home/u", m["HOME"])
	assert.Equal(t, "http://127.0.0.1:4242", m["API_URL"])
	assert.Equal(t, []string{"--port", "4242", "--db=/d/db/service.db"}, args)
}
