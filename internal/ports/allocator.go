package ports

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

const claimMaxTries = 4

// Allocator hands out ports for dial attempts. All port status transitions go
// through here; the store's conditional claim is the only busy-setting write,
// so two concurrent acquires for the same owner can never return the same port.
//
// Acquiring a port also opens its call record: a busy port without a matching
// open call cannot exist, which is what the reclaimer and deregistration
// conflict checks rely on.
type Allocator struct {
	store   Store
	tracker *calls.Tracker
}

// NewAllocator creates an allocator over the given store and call tracker
func NewAllocator(store Store, tracker *calls.Tracker) *Allocator {
	return &Allocator{store: store, tracker: tracker}
}

// Acquisition is a successful port claim with its opened call
type Acquisition struct {
	Port Port
	Call *calls.Call
}

// Acquire claims the lowest-numbered available port for the owner and opens a
// call on it. ok=false with a nil error means the pool is exhausted; that is an
// expected outcome under load, not a failure.
func (a *Allocator) Acquire(ctx context.Context, ownerID int64, campaignID, number string, test bool) (*Acquisition, bool, error) {
	callID := uuid.New().String()

	port, err := retryClaim(ctx, func() (*Port, error) {
		return a.store.ClaimNextPort(ctx, ownerID, campaignID, callID, time.Now())
	})
	if err != nil {
		return nil, false, fmt.Errorf("error claiming port for owner %d: %w", ownerID, err)
	}
	if port == nil {
		return nil, false, nil
	}

	acq, err := a.openOnPort(ctx, port, callID, campaignID, number, test)
	if err != nil {
		return nil, false, err
	}
	return acq, true, nil
}

// AcquirePort claims one specific port, for test calls aimed at a known
// channel. ErrNotFound if the port does not exist, ErrPortUnavailable if it is
// busy or offline.
func (a *Allocator) AcquirePort(ctx context.Context, ownerID int64, portNumber int, campaignID, number string, test bool) (*Acquisition, error) {
	callID := uuid.New().String()

	port, err := retryClaim(ctx, func() (*Port, error) {
		return a.store.ClaimPortByNumber(ctx, ownerID, portNumber, campaignID, callID, time.Now())
	})
	if err != nil {
		return nil, err
	}

	return a.openOnPort(ctx, port, callID, campaignID, number, test)
}

// openOnPort records the call for a freshly claimed port. If the history write
// fails the claim is rolled back so the port is not leaked.
func (a *Allocator) openOnPort(ctx context.Context, port *Port, callID, campaignID, number string, test bool) (*Acquisition, error) {
	call := &calls.Call{
		ID:         callID,
		PortID:     port.ID,
		OwnerID:    port.OwnerID,
		CampaignID: campaignID,
		Number:     number,
		Test:       test,
		StartedAt:  time.Now(),
	}

	if err := a.tracker.Open(ctx, call); err != nil {
		if _, ferr := a.store.FreePort(ctx, port.OwnerID, port.Number, time.Now()); ferr != nil {
			log.Printf("[Allocator] Failed to roll back claim on port %d after open error: %v",
				port.Number, ferr)
		}
		return nil, fmt.Errorf("error opening call on port %d: %w", port.Number, err)
	}

	log.Printf("[Allocator] Acquired port %d (device %d) for call %s", port.Number, port.DeviceID, callID)
	return &Acquisition{Port: *port, Call: call}, nil
}

// Release returns a port to the pool and closes its open call, if any, with
// the given terminal status (completed when empty). Releasing an
// already-available port is a no-op that still reports true; false means the
// port is unknown. Never an error in normal operation, so callers can release
// unconditionally in deferred cleanup.
func (a *Allocator) Release(ctx context.Context, ownerID int64, portNumber int, terminal calls.TerminalStatus) (bool, error) {
	if terminal == "" {
		terminal = calls.StatusCompleted
	}

	freed, err := a.store.FreePort(ctx, ownerID, portNumber, time.Now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("error freeing port %d: %w", portNumber, err)
	}

	if freed.CallID != "" {
		if err := a.tracker.CloseQuiet(ctx, freed.CallID, terminal); err != nil {
			return true, fmt.Errorf("error closing call %s on release: %w", freed.CallID, err)
		}
	}
	return true, nil
}

// MarkOffline takes a port out of rotation, e.g. when the gateway reports the
// SIM unregistered. An open call on the port is closed with an unknown outcome
// since the channel dropped out from under it.
func (a *Allocator) MarkOffline(ctx context.Context, ownerID int64, portNumber int) error {
	freed, err := a.store.SetPortOffline(ctx, ownerID, portNumber, time.Now())
	if err != nil {
		return err
	}

	if freed.CallID != "" {
		if err := a.tracker.CloseQuiet(ctx, freed.CallID, calls.StatusUnknown); err != nil {
			return fmt.Errorf("error closing call %s on offline port: %w", freed.CallID, err)
		}
	}

	log.Printf("[Allocator] Port %d marked offline for owner %d", portNumber, ownerID)
	return nil
}

// ResetAll force-releases every busy port of the owner, aborting any open
// calls. This is the recovery hammer for stuck state after a crashed job; it
// reports how many ports were freed. Offline ports are left offline.
func (a *Allocator) ResetAll(ctx context.Context, ownerID int64) (int, error) {
	freed, err := a.store.FreeAllPorts(ctx, ownerID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("error resetting ports for owner %d: %w", ownerID, err)
	}

	for _, f := range freed {
		if f.CallID == "" {
			continue
		}
		if err := a.tracker.CloseQuiet(ctx, f.CallID, calls.StatusAborted); err != nil {
			log.Printf("[Allocator] Failed to abort call %s during reset: %v", f.CallID, err)
		}
	}

	if len(freed) > 0 {
		log.Printf("[Allocator] Reset released %d port(s) for owner %d", len(freed), ownerID)
	}
	return len(freed), nil
}

// AvailableCount reports how many ports the owner could acquire right now.
// Advisory only: the answer can be stale by the time the caller acts on it.
func (a *Allocator) AvailableCount(ctx context.Context, ownerID int64) (int, error) {
	return a.store.CountAvailable(ctx, ownerID)
}

// retryClaim runs a store claim with exponential backoff for transient storage
// errors (lock wait timeouts, dropped connections). Domain errors and context
// cancellation abort immediately.
func retryClaim(ctx context.Context, op func() (*Port, error)) (*Port, error) {
	return backoff.Retry(ctx, func() (*Port, error) {
		port, err := op()
		if err != nil && isPermanent(err) {
			return nil, backoff.Permanent(err)
		}
		return port, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(claimMaxTries),
	)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPortUnavailable) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
