package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remilejeune/udata-harvest/errors"
)

func TestWriteDefault(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "conf", "am.toml")

	require.NoError(t, WriteDefault(path, false))
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg, "the written file round-trips to the defaults")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "HARVEST_HARVEST_DEBUG")
	assert.Contains(t, string(data), "allow_local_sources = false")

	err = WriteDefault(path, false)
	assert.True(t, errors.Is(err, ErrConfigExists))
	assert.Contains(t, errors.FlattenHints(err), "--force")
}

func TestWriteDefault_ForceRotatesBackups(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "am.toml")

	for i, content := range []string{"# one\n", "# two\n", "# three\n", "# four\n"} {
		writeFile(t, path, content)
		require.NoError(t, WriteDefault(path, true), "round %d", i)
	}

	read := func(p string) string {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "# four\n", read(path+".back1"))
	assert.Equal(t, "# three\n", read(path+".back2"))
	assert.Equal(t, "# two\n", read(path+".back3"))
	_, err := os.Stat(path + ".back4")
	assert.True(t, os.IsNotExist(err))
}
