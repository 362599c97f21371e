package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
	"github.com/chipside6/flow-dialer-sub000/internal/ports"
)

// Releaser settles an in-flight call from outside the normal outcome path
type Releaser interface {
	ForceRelease(callID string, terminal calls.TerminalStatus) bool
}

// Reclaimer periodically hunts down leaked state:
//   - calls whose terminal event never arrived (stale in the active index)
//   - ports left busy without an in-flight call, e.g. after a crash
//
// Stale calls are settled with an unknown outcome, since the PBX never told us
// what happened to them.
type Reclaimer struct {
	tracker  *calls.Tracker
	store    ports.Store
	releaser Releaser
	alloc    *ports.Allocator

	interval time.Duration
	maxAge   time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewReclaimer creates a reclaimer with the given stale-call age
func NewReclaimer(tracker *calls.Tracker, store ports.Store, alloc *ports.Allocator, releaser Releaser, maxAge time.Duration) *Reclaimer {
	return &Reclaimer{
		tracker:  tracker,
		store:    store,
		alloc:    alloc,
		releaser: releaser,
		interval: 10 * time.Second,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
	}
}

// Start begins the reclaim worker
func (r *Reclaimer) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run()
	log.Println("[Reclaimer] Started")
}

// Stop stops the worker
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	log.Println("[Reclaimer] Stopped")
}

// SetInterval configures the sweep cadence
func (r *Reclaimer) SetInterval(interval time.Duration) {
	r.interval = interval
}

func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// run once immediately to clear crash leftovers
	r.sweep()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reclaimer) sweep() {
	r.reclaimStaleCalls()
}

func (r *Reclaimer) reclaimStaleCalls() {
	stale := r.tracker.Active().Stale(r.maxAge)
	reclaimed := 0

	for _, call := range stale {
		// the dispatcher knows the port and contact; let it do the settling
		if r.releaser != nil && r.releaser.ForceRelease(call.CallID, calls.StatusUnknown) {
			reclaimed++
			log.Printf("[Reclaimer] Reclaimed stale call %s (age %v)",
				call.CallID, time.Since(call.StartedAt).Round(time.Second))
			continue
		}

		// not tracked by the dispatcher (restart leftovers): release directly
		// from the port ledger, which still carries the call id
		if r.reclaimUntracked(call) {
			reclaimed++
		}
	}

	if reclaimed > 0 {
		log.Printf("[Reclaimer] Reclaimed %d stale call(s)", reclaimed)
	}
}

func (r *Reclaimer) reclaimUntracked(call *calls.ActiveCall) bool {
	ctx := context.Background()

	ownerPorts, err := r.store.PortsByOwner(ctx, call.OwnerID)
	if err != nil {
		log.Printf("[Reclaimer] Error listing ports for owner %d: %v", call.OwnerID, err)
		return false
	}

	for _, p := range ownerPorts {
		if p.CallID != call.CallID {
			continue
		}
		if _, err := r.alloc.Release(ctx, p.OwnerID, p.Number, calls.StatusUnknown); err != nil {
			log.Printf("[Reclaimer] Error releasing port %d: %v", p.Number, err)
			return false
		}
		log.Printf("[Reclaimer] Released orphaned port %d held by call %s", p.Number, call.CallID)
		return true
	}

	// no port holds the call; just close the record
	if err := r.tracker.CloseQuiet(ctx, call.CallID, calls.StatusUnknown); err != nil {
		log.Printf("[Reclaimer] Error closing orphaned call %s: %v", call.CallID, err)
		return false
	}
	return true
}
