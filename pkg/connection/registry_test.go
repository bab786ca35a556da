package connection

import (
	"testing"

	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var peer = gap.Address{Type: gap.AddrPublic, Bytes: [6]byte{1, 2, 3, 4, 5, 6}}

func TestRegistry_ReconnectYieldsZeroedSlot(t *testing.T) {
	r := NewRegistry(2)
	require.NoError(t, r.Connect(0x40, gap.RolePeripheral, peer, 3))
	require.NoError(t, r.SetInitiator(0x40))

	last, ok := r.Disconnect(0x40)
	require.True(t, ok)
	assert.True(t, last.Initiator)
	assert.Equal(t, gap.DeviceID(3), last.DeviceID)

	require.NoError(t, r.Connect(0x40, gap.RoleCentral, gap.Address{}, gap.UnknownDevice))
	slot, ok := r.Lookup(0x40)
	require.True(t, ok)
	assert.Equal(t, StateConnected, slot.State)
	assert.False(t, slot.Initiator, "initiator MUST NOT carry over")
	assert.Equal(t, gap.RoleCentral, slot.Role, "role MUST NOT carry over")
	assert.Equal(t, gap.UnknownDevice, slot.DeviceID)
}

func TestRegistry_Capacity(t *testing.T) {
	r := NewRegistry(2)
	assert.Equal(t, 0, r.FreeSlot())

	require.NoError(t, r.Connect(1, gap.RoleCentral, peer, gap.UnknownDevice))
	assert.Equal(t, 1, r.FreeSlot())
	require.NoError(t, r.Connect(2, gap.RoleCentral, peer, gap.UnknownDevice))
	assert.Equal(t, -1, r.FreeSlot())

	err := r.Connect(3, gap.RoleCentral, peer, gap.UnknownDevice)
	assert.ErrorIs(t, err, status.NoResource)
	_, ok := r.Lookup(3)
	assert.False(t, ok, "failed connect MUST NOT change state")

	require.NoError(t, r.Connect(2, gap.RolePeripheral, peer, gap.UnknownDevice), "live handle reuses its slot")
	assert.Len(t, r.Connected(), 2)

	_, ok = r.Disconnect(1)
	require.True(t, ok)
	assert.Equal(t, 0, r.FreeSlot(), "lowest free slot MUST be reported")

	_, ok = r.Disconnect(1)
	assert.False(t, ok)
}

func TestRegistry_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewRegistry(0).Capacity())
}

func TestRegistry_Initiator(t *testing.T) {
	r := NewRegistry(1)
	assert.ErrorIs(t, r.SetInitiator(9), status.InvalidParameter)
	assert.False(t, r.TakeInitiator(9))

	require.NoError(t, r.Connect(9, gap.RoleCentral, peer, gap.UnknownDevice))
	assert.False(t, r.TakeInitiator(9))
	require.NoError(t, r.SetInitiator(9))
	require.NoError(t, r.SetInitiator(9))
	assert.True(t, r.TakeInitiator(9))
	assert.False(t, r.TakeInitiator(9))
}

func TestRegistry_DeviceMapping(t *testing.T) {
	r := NewRegistry(3)
	assert.Equal(t, gap.UnknownDevice, r.PeerID(1))
	assert.False(t, r.SetDeviceID(1, 2))

	require.NoError(t, r.Connect(1, gap.RoleCentral, peer, gap.UnknownDevice))
	require.NoError(t, r.Connect(2, gap.RoleCentral, peer, 5))
	assert.Equal(t, gap.UnknownDevice, r.PeerID(1))
	assert.Equal(t, gap.DeviceID(5), r.PeerID(2))

	assert.True(t, r.SetDeviceID(1, 5))
	r.ForgetDevice(5)
	assert.Equal(t, gap.UnknownDevice, r.PeerID(1))
	assert.Equal(t, gap.UnknownDevice, r.PeerID(2))
}
