package am

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settingByKey(t *testing.T, in *Introspection, key string) SettingInfo {
	t.Helper()
	for _, s := range in.Settings {
		if s.Key == key {
			return s
		}
	}
	t.Fatalf("setting %s not found", key)
	return SettingInfo{}
}

func TestIntrospect(t *testing.T) {
	d := isolate(t)
	project := filepath.Join(d.project, "am.toml")
	writeFile(t, project, "[workers]\ncount = 5\n")
	t.Setenv("HARVEST_LOG_LEVEL", "debug")

	in, err := Introspect()
	require.NoError(t, err)
	assert.Equal(t, []string{project}, in.Files)

	workers := settingByKey(t, in, "workers.count")
	assert.EqualValues(t, 5, workers.Value)
	assert.Equal(t, SourceProject, workers.Source)
	assert.Equal(t, project, workers.SourcePath)

	level := settingByKey(t, in, "log.level")
	assert.Equal(t, SourceEnvironment, level.Source)
	assert.Equal(t, "HARVEST_LOG_LEVEL", level.SourcePath)

	addr := settingByKey(t, in, "server.addr")
	assert.Equal(t, SourceDefault, addr.Source)

	for i := 1; i < len(in.Settings); i++ {
		assert.Less(t, in.Settings[i-1].Key, in.Settings[i].Key, "sorted by key")
	}
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "HARVEST_HARVEST_HTTP_ALLOW_PRIVATE", EnvVar("harvest.http.allow_private"))
}
