package calls

import (
	"log"
	"sync"
	"time"
)

// ActiveCall is the in-memory record of an in-flight call
type ActiveCall struct {
	CallID     string
	PortID     int64
	OwnerID    int64
	CampaignID string
	Number     string
	Test       bool
	StartedAt  time.Time
}

// ActiveIndex tracks in-flight calls for correlation and cleanup.
// Signaling layers report outcomes under their own channel identifiers, so the
// index also keeps aliases (gateway/PBX id -> call id).
type ActiveIndex struct {
	calls   map[string]*ActiveCall // callID -> call
	aliases map[string]string      // signaling id -> callID
	mu      sync.RWMutex
}

// NewActiveIndex creates an empty index
func NewActiveIndex() *ActiveIndex {
	return &ActiveIndex{
		calls:   make(map[string]*ActiveCall),
		aliases: make(map[string]string),
	}
}

// Add registers a new in-flight call
func (ix *ActiveIndex) Add(call *ActiveCall) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.calls[call.CallID] = call
}

// Get retrieves a call by its id
func (ix *ActiveIndex) Get(callID string) *ActiveCall {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.calls[callID]
}

// Remove drops a call and any alias pointing at it, returning the removed
// entry or nil
func (ix *ActiveIndex) Remove(callID string) *ActiveCall {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	call, ok := ix.calls[callID]
	if !ok {
		return nil
	}
	delete(ix.calls, callID)

	// O(N) but a call carries at most one alias in practice
	for k, v := range ix.aliases {
		if v == callID {
			delete(ix.aliases, k)
		}
	}
	return call
}

// Count returns the number of in-flight calls
func (ix *ActiveIndex) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.calls)
}

// Stale returns calls older than maxAge; used by the reclaimer to find calls
// whose terminal event never arrived
func (ix *ActiveIndex) Stale(maxAge time.Duration) []*ActiveCall {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	threshold := time.Now().Add(-maxAge)
	var stale []*ActiveCall
	for _, call := range ix.calls {
		if call.StartedAt.Before(threshold) {
			stale = append(stale, call)
		}
	}
	return stale
}

// ByCampaign returns all in-flight calls tagged with the campaign
func (ix *ActiveIndex) ByCampaign(campaignID string) []*ActiveCall {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*ActiveCall
	for _, call := range ix.calls {
		if call.CampaignID == campaignID {
			out = append(out, call)
		}
	}
	return out
}

// List returns all in-flight calls (monitoring)
func (ix *ActiveIndex) List() []*ActiveCall {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*ActiveCall, 0, len(ix.calls))
	for _, call := range ix.calls {
		out = append(out, call)
	}
	return out
}

// AddAlias links a signaling-layer identifier to an existing call
func (ix *ActiveIndex) AddAlias(alias, callID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.calls[callID]; ok {
		ix.aliases[alias] = callID
		log.Printf("[CallTracker] Linked alias %s -> %s", alias, callID)
	}
}

// Resolve maps either a call id or a signaling alias to the call id, with ok
// reporting whether the call is known
func (ix *ActiveIndex) Resolve(id string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if _, ok := ix.calls[id]; ok {
		return id, true
	}
	if callID, ok := ix.aliases[id]; ok {
		return callID, true
	}
	return "", false
}
