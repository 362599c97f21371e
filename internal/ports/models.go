package ports

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of one dialing channel
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

var (
	// ErrValidation rejects bad input before any state change
	ErrValidation = errors.New("validation error")
	// ErrNotFound indicates an unknown device or port
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the operation would break an invariant, e.g.
	// deregistering a device that still has open calls
	ErrConflict = errors.New("conflict")
	// ErrPortUnavailable indicates a specifically requested port is not free
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrNoCapacity indicates the owner has no available ports at all, so
	// starting a dialing run would be pointless
	ErrNoCapacity = errors.New("no capacity")
)

// Device is a GoIP gateway owning a fixed set of ports.
// Immutable after registration except for deletion.
type Device struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	PortCount int       `json:"port_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Port is one addressable dialing channel on a device. Number is unique
// within the device. At most one open call references a port at any time;
// CallID holds that call's id while the port is busy.
type Port struct {
	ID              int64     `json:"id"`
	DeviceID        int64     `json:"device_id"`
	OwnerID         int64     `json:"owner_id"`
	Number          int       `json:"number"`
	Credential      string    `json:"credential"`
	Status          Status    `json:"status"`
	CampaignID      string    `json:"campaign_id,omitempty"`
	CallID          string    `json:"call_id,omitempty"`
	StatusChangedAt time.Time `json:"status_changed_at"`
}

// FreedPort is the result of returning a port to the pool. CallID is the call
// that was open on it, if any, so the caller can close it.
type FreedPort struct {
	Port   Port
	CallID string
}

// Store is the durable port ledger. The Claim* methods are the concurrency
// boundary: each must be an atomic check-and-set with respect to concurrent
// claims on the same owner (conditional UPDATE on status='available' in SQL,
// a mutex in the in-memory implementation). Nothing outside the allocator
// mutates port status.
type Store interface {
	CreateDevice(ctx context.Context, d *Device, devicePorts []Port) error
	DeviceByID(ctx context.Context, id int64) (*Device, error)
	DevicesByOwner(ctx context.Context, ownerID int64) ([]Device, error)
	PortsByDevice(ctx context.Context, deviceID int64) ([]Port, error)
	PortsByOwner(ctx context.Context, ownerID int64) ([]Port, error)
	DeleteDevice(ctx context.Context, id int64) error
	CountAvailable(ctx context.Context, ownerID int64) (int, error)

	// ClaimNextPort claims the lowest-numbered available port for the owner,
	// marking it busy and recording the campaign/call linkage. Returns
	// (nil, nil) when no port is available.
	ClaimNextPort(ctx context.Context, ownerID int64, campaignID, callID string, now time.Time) (*Port, error)

	// ClaimPortByNumber claims one specific port. ErrNotFound if the port does
	// not exist, ErrPortUnavailable if it is not free.
	ClaimPortByNumber(ctx context.Context, ownerID int64, portNumber int, campaignID, callID string, now time.Time) (*Port, error)

	// FreePort returns a port to the pool. ErrNotFound if the port does not
	// exist; freeing an already-available port is a no-op, not an error.
	// An offline port stays offline.
	FreePort(ctx context.Context, ownerID int64, portNumber int, now time.Time) (*FreedPort, error)

	// FreeAllPorts returns every busy port of the owner to the pool
	FreeAllPorts(ctx context.Context, ownerID int64, now time.Time) ([]FreedPort, error)

	// SetPortOffline takes a port out of rotation, reporting any open call
	SetPortOffline(ctx context.Context, ownerID int64, portNumber int, now time.Time) (*FreedPort, error)
}
