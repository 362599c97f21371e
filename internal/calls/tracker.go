package calls

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Tracker records the open/close of calls against allocated ports and keeps an
// in-memory view of in-flight calls for event correlation. History rows are
// append-only: a closed call is never mutated again.
type Tracker struct {
	store  Store
	active *ActiveIndex
}

// NewTracker creates a tracker over the given history store
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:  store,
		active: NewActiveIndex(),
	}
}

// Active returns the in-memory index of in-flight calls
func (t *Tracker) Active() *ActiveIndex {
	return t.active
}

// Open records a new in-flight call. It is invoked by the allocator as part of
// acquiring a port, never independently, so a busy port always has a matching
// open call row.
func (t *Tracker) Open(ctx context.Context, c *Call) error {
	if c.ID == "" || c.PortID == 0 {
		return fmt.Errorf("open call: missing id or port")
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}

	if err := t.store.InsertCall(ctx, c); err != nil {
		return fmt.Errorf("error inserting call %s: %w", c.ID, err)
	}

	t.active.Add(&ActiveCall{
		CallID:     c.ID,
		PortID:     c.PortID,
		OwnerID:    c.OwnerID,
		CampaignID: c.CampaignID,
		Number:     c.Number,
		Test:       c.Test,
		StartedAt:  c.StartedAt,
	})
	return nil
}

// Close sets the end timestamp and terminal status. A second close on the same
// call returns ErrAlreadyClosed without touching the row; the explicit hangup
// path and the timeout sweep can race and the loser must not corrupt history.
func (t *Tracker) Close(ctx context.Context, callID string, terminal TerminalStatus) error {
	closed, err := t.store.CloseCall(ctx, callID, terminal, time.Now())
	if err != nil {
		return fmt.Errorf("error closing call %s: %w", callID, err)
	}

	// The active entry goes away regardless: even on a lost close race the
	// call is no longer in flight.
	if removed := t.active.Remove(callID); removed != nil {
		log.Printf("[CallTracker] Closed call %s (%s, duration %v)",
			callID, terminal, time.Since(removed.StartedAt).Round(time.Millisecond))
	}

	if !closed {
		return ErrAlreadyClosed
	}
	return nil
}

// CloseQuiet closes a call and swallows the double-close race
func (t *Tracker) CloseQuiet(ctx context.Context, callID string, terminal TerminalStatus) error {
	if err := t.Close(ctx, callID, terminal); err != nil && !errors.Is(err, ErrAlreadyClosed) {
		return err
	}
	return nil
}

// CountActiveByPort reads open call rows for a port
func (t *Tracker) CountActiveByPort(ctx context.Context, portID int64) (int, error) {
	return t.store.CountActiveByPort(ctx, portID)
}

// CountActiveByCampaign reads open call rows for a campaign
func (t *Tracker) CountActiveByCampaign(ctx context.Context, campaignID string) (int, error) {
	return t.store.CountActiveByCampaign(ctx, campaignID)
}

// CallByID fetches one call record
func (t *Tracker) CallByID(ctx context.Context, id string) (*Call, error) {
	return t.store.CallByID(ctx, id)
}

// Recent returns the newest call records for an owner
func (t *Tracker) Recent(ctx context.Context, ownerID int64, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.store.RecentCalls(ctx, ownerID, limit)
}
