package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
)

func TestRegisterAll(t *testing.T) {
	reg := harvest.NewRegistry()
	require.NoError(t, RegisterAll(reg, Deps{}))
	assert.Equal(t, []string{"files", "git", "httpjson"}, reg.Names())

	err := RegisterAll(reg, Deps{})
	assert.True(t, errors.Is(err, harvest.ErrDuplicateBackend))
}

func TestRegisterAll_Frozen(t *testing.T) {
	reg := harvest.NewRegistry()
	reg.Freeze()
	err := RegisterAll(reg, Deps{})
	assert.True(t, errors.Is(err, harvest.ErrRegistryFrozen))
}
