package ports

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

func newTestRegistry() (*MemoryStore, *calls.Tracker, *Registry) {
	store := NewMemoryStore()
	tracker := calls.NewTracker(store)
	return store, tracker, NewRegistry(store, tracker)
}

func TestRegisterDeviceValidation(t *testing.T) {
	ctx := context.Background()
	_, _, registry := newTestRegistry()

	cases := []struct {
		name      string
		owner     int64
		device    string
		portCount int
	}{
		{"empty name", 1, "", 4},
		{"blank name", 1, "   ", 4},
		{"zero ports", 1, "GoIP-A", 0},
		{"negative ports", 1, "GoIP-A", -1},
		{"too many ports", 1, "GoIP-A", 65},
		{"missing owner", 0, "GoIP-A", 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.RegisterDevice(ctx, tc.owner, tc.device, "", tc.portCount)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestRegisterDeviceCreatesPorts(t *testing.T) {
	ctx := context.Background()
	_, _, registry := newTestRegistry()

	device, err := registry.RegisterDevice(ctx, 1, "GoIP-A", "10.0.0.5", 4)
	require.NoError(t, err)
	assert.NotZero(t, device.ID)
	assert.Equal(t, 4, device.PortCount)

	devicePorts, err := registry.ListPorts(ctx, device.ID)
	require.NoError(t, err)
	require.Len(t, devicePorts, 4)

	for i, p := range devicePorts {
		assert.Equal(t, i+1, p.Number)
		assert.Equal(t, StatusAvailable, p.Status)
		assert.Equal(t, fmt.Sprintf("goip-a-%02d", i+1), p.Credential)
		assert.Equal(t, device.ID, p.DeviceID)
	}

	devices, err := registry.ListDevices(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRegisterDeviceDuplicateName(t *testing.T) {
	ctx := context.Background()
	_, _, registry := newTestRegistry()

	_, err := registry.RegisterDevice(ctx, 1, "GoIP-A", "", 2)
	require.NoError(t, err)

	_, err = registry.RegisterDevice(ctx, 1, "GoIP-A", "", 2)
	assert.ErrorIs(t, err, ErrConflict)

	// same name under a different owner is fine
	_, err = registry.RegisterDevice(ctx, 2, "GoIP-A", "", 2)
	assert.NoError(t, err)
}

func TestListPortsUnknownDevice(t *testing.T) {
	_, _, registry := newTestRegistry()

	_, err := registry.ListPorts(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeregisterDeviceConflict(t *testing.T) {
	ctx := context.Background()
	store, tracker, registry := newTestRegistry()
	alloc := NewAllocator(store, tracker)

	device, err := registry.RegisterDevice(ctx, 1, "GoIP-A", "", 2)
	require.NoError(t, err)

	acq, ok, err := alloc.Acquire(ctx, 1, "camp-1", "5550100", false)
	require.NoError(t, err)
	require.True(t, ok)

	// open call blocks deregistration
	err = registry.DeregisterDevice(ctx, device.ID, false)
	assert.ErrorIs(t, err, ErrConflict)

	// force aborts the call and removes everything
	require.NoError(t, registry.DeregisterDevice(ctx, device.ID, true))

	call, err := store.CallByID(ctx, acq.Call.ID)
	require.NoError(t, err)
	require.NotNil(t, call.Terminal)
	assert.Equal(t, calls.StatusAborted, *call.Terminal)
	assert.Equal(t, 0, tracker.Active().Count())

	_, err = registry.Device(ctx, device.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	ownerPorts, err := store.PortsByOwner(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ownerPorts)
}

func TestDeregisterIdleDevice(t *testing.T) {
	ctx := context.Background()
	_, _, registry := newTestRegistry()

	device, err := registry.RegisterDevice(ctx, 1, "GoIP-A", "", 2)
	require.NoError(t, err)

	require.NoError(t, registry.DeregisterDevice(ctx, device.ID, false))

	err = registry.DeregisterDevice(ctx, device.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
}
