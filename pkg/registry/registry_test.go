package registry

import (
	"testing"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	r := New(logger.Discard())

	require.NoError(t, r.Register("settings"))
	require.NoError(t, r.Register("settings"))
	require.NoError(t, r.Register("window"))

	assert.True(t, r.IsRegistered("settings"))
	assert.Equal(t, []string{"settings", "window"}, r.Names())

	r.Unregister("settings")
	r.Unregister("settings")
	assert.False(t, r.IsRegistered("settings"))
	assert.Equal(t, []string{"window"}, r.Names())
}

func TestRegisterInvalidName(t *testing.T) {
	r := New(logger.Discard())
	err := r.Register("")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestCheck(t *testing.T) {
	r := New(logger.Discard())
	require.NoError(t, r.Register("known"))

	assert.NoError(t, r.Check("invoke", "known"))

	err := r.Check("invoke", "stranger")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotRegistered))
	assert.Contains(t, err.Error(), "Multiplexer.invoke: stranger: controller not registered")
}

func TestCheckOwner(t *testing.T) {
	r := New(logger.Discard(), WithOwner("$IpcFlow"))
	err := r.Check("send", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$IpcFlow.send: x")
}

func TestDisabledRegistryAcceptsAll(t *testing.T) {
	r := New(nil, WithDisabled(true))
	assert.True(t, r.Disabled())
	assert.True(t, r.IsRegistered("anything"))
	assert.NoError(t, r.Check("on", "anything"))
}
