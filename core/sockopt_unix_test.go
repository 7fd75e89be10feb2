//go:build linux

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two servers on one port share it through SO_REUSEPORT
func TestMaster_ReusePortSharesAddress(t *testing.T) {
	first, err := NewMaster(testConfig())
	require.NoError(t, err)
	require.NoError(t, first.Listen())
	defer first.Shutdown()

	cfg := testConfig()
	cfg.Address = first.Addr().String()
	second, err := NewMaster(cfg)
	require.NoError(t, err)

	assert.NoError(t, second.Listen())
	defer second.Shutdown()
	assert.Equal(t, first.Addr().String(), second.Addr().String())
}
