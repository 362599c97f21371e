package ports

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

const maxPortCount = 64

// Registry manages the device inventory. Devices and their port sets are
// immutable after registration; resizing a gateway means deregistering and
// registering it again.
type Registry struct {
	store   Store
	tracker *calls.Tracker
}

// NewRegistry creates a registry over the given store. The tracker is needed
// for forced deregistration, which aborts any calls still open on the device.
func NewRegistry(store Store, tracker *calls.Tracker) *Registry {
	return &Registry{store: store, tracker: tracker}
}

// RegisterDevice creates a device and its full port set (numbered 1..portCount,
// all available). Each port gets a stable credential derived from the device
// name, matching the SIP peer naming used on the PBX side.
func (r *Registry) RegisterDevice(ctx context.Context, ownerID int64, name, address string, portCount int) (*Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: device name is required", ErrValidation)
	}
	if portCount < 1 || portCount > maxPortCount {
		return nil, fmt.Errorf("%w: port count must be between 1 and %d", ErrValidation, maxPortCount)
	}
	if ownerID <= 0 {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}

	now := time.Now()
	device := &Device{
		OwnerID:   ownerID,
		Name:      name,
		Address:   strings.TrimSpace(address),
		PortCount: portCount,
		CreatedAt: now,
	}

	peer := peerBase(name)
	devicePorts := make([]Port, 0, portCount)
	for n := 1; n <= portCount; n++ {
		devicePorts = append(devicePorts, Port{
			OwnerID:         ownerID,
			Number:          n,
			Credential:      fmt.Sprintf("%s-%02d", peer, n),
			Status:          StatusAvailable,
			StatusChangedAt: now,
		})
	}

	if err := r.store.CreateDevice(ctx, device, devicePorts); err != nil {
		return nil, fmt.Errorf("error registering device %s: %w", name, err)
	}

	log.Printf("[Registry] Registered device %s (id=%d, %d ports) for owner %d",
		device.Name, device.ID, portCount, ownerID)
	return device, nil
}

// ListDevices returns all devices for an owner
func (r *Registry) ListDevices(ctx context.Context, ownerID int64) ([]Device, error) {
	return r.store.DevicesByOwner(ctx, ownerID)
}

// Device fetches one device
func (r *Registry) Device(ctx context.Context, id int64) (*Device, error) {
	return r.store.DeviceByID(ctx, id)
}

// ListPorts returns the ports of one device with live statuses
func (r *Registry) ListPorts(ctx context.Context, deviceID int64) ([]Port, error) {
	if _, err := r.store.DeviceByID(ctx, deviceID); err != nil {
		return nil, err
	}
	return r.store.PortsByDevice(ctx, deviceID)
}

// ListOwnerPorts returns every port across the owner's devices
func (r *Registry) ListOwnerPorts(ctx context.Context, ownerID int64) ([]Port, error) {
	return r.store.PortsByOwner(ctx, ownerID)
}

// DeregisterDevice removes a device and all its ports. Without force the
// operation is refused while any port still carries an open call; with force
// those calls are closed as aborted first, then the device is deleted.
func (r *Registry) DeregisterDevice(ctx context.Context, deviceID int64, force bool) error {
	device, err := r.store.DeviceByID(ctx, deviceID)
	if err != nil {
		return err
	}

	devicePorts, err := r.store.PortsByDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("error listing ports for device %d: %w", deviceID, err)
	}

	var open []Port
	for _, p := range devicePorts {
		if p.Status == StatusBusy && p.CallID != "" {
			open = append(open, p)
		}
	}

	if len(open) > 0 {
		if !force {
			return fmt.Errorf("%w: device %s has %d open call(s)", ErrConflict, device.Name, len(open))
		}
		for _, p := range open {
			if err := r.tracker.CloseQuiet(ctx, p.CallID, calls.StatusAborted); err != nil {
				log.Printf("[Registry] Failed to abort call %s on port %d/%d: %v",
					p.CallID, deviceID, p.Number, err)
			}
		}
		log.Printf("[Registry] Force-deregistering device %s: aborted %d call(s)",
			device.Name, len(open))
	}

	if err := r.store.DeleteDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("error deleting device %d: %w", deviceID, err)
	}

	log.Printf("[Registry] Deregistered device %s (id=%d)", device.Name, deviceID)
	return nil
}

// peerBase turns a device name into a SIP-peer friendly slug
func peerBase(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
