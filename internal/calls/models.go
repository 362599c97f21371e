package calls

import (
	"context"
	"errors"
	"time"
)

// TerminalStatus is the final outcome recorded when a call closes
type TerminalStatus string

const (
	StatusCompleted TerminalStatus = "completed"
	StatusFailed    TerminalStatus = "failed"
	StatusUnknown   TerminalStatus = "unknown"
	StatusAborted   TerminalStatus = "aborted"
	StatusTimeout   TerminalStatus = "timeout"
)

var (
	// ErrAlreadyClosed indicates a second close on the same call. Callers are
	// expected to treat it as a no-op: the explicit hangup signal and the
	// timeout sweep can legitimately race.
	ErrAlreadyClosed = errors.New("call already closed")
	// ErrCallNotFound indicates an unknown call id
	ErrCallNotFound = errors.New("call not found")
)

// Call is one dial attempt bound to a port for its lifetime.
// EndedAt == nil is the authoritative signal that the port is legitimately busy.
type Call struct {
	ID         string          `json:"id"`
	PortID     int64           `json:"port_id"`
	OwnerID    int64           `json:"owner_id"`
	CampaignID string          `json:"campaign_id"`
	Number     string          `json:"number"`
	Test       bool            `json:"test"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Terminal   *TerminalStatus `json:"terminal_status,omitempty"`
}

// Open reports whether the call is still in flight
func (c *Call) Open() bool {
	return c.EndedAt == nil
}

// Store is the durable call history backing the tracker.
// CloseCall must be a conditional update on "ended_at IS NULL" so that a
// double close is detected at the storage layer, not by a read-then-write.
type Store interface {
	InsertCall(ctx context.Context, c *Call) error
	CloseCall(ctx context.Context, id string, terminal TerminalStatus, end time.Time) (bool, error)
	CallByID(ctx context.Context, id string) (*Call, error)
	CountActiveByPort(ctx context.Context, portID int64) (int, error)
	CountActiveByCampaign(ctx context.Context, campaignID string) (int, error)
	RecentCalls(ctx context.Context, ownerID int64, limit int) ([]Call, error)
}
