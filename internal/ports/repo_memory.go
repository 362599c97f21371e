package ports

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

// MemoryStore is a process-local implementation of the port ledger and call
// history, used by tests and by single-instance deployments that do not need
// durability. One mutex covers both ledgers, which trivially gives the claim
// operations their required atomicity.
type MemoryStore struct {
	mu sync.Mutex

	devices    map[int64]*Device
	portsByID  map[int64]*Port
	nextDevice int64
	nextPort   int64

	callsByID map[string]*calls.Call
	callOrder []string // insertion order, oldest first
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ calls.Store = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[int64]*Device),
		portsByID: make(map[int64]*Port),
		callsByID: make(map[string]*calls.Call),
	}
}

func (s *MemoryStore) CreateDevice(_ context.Context, d *Device, devicePorts []Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.devices {
		if existing.OwnerID == d.OwnerID && existing.Name == d.Name {
			return fmt.Errorf("device %s: %w", d.Name, ErrConflict)
		}
	}

	s.nextDevice++
	d.ID = s.nextDevice
	cp := *d
	s.devices[d.ID] = &cp

	for i := range devicePorts {
		s.nextPort++
		p := devicePorts[i]
		p.ID = s.nextPort
		p.DeviceID = d.ID
		s.portsByID[p.ID] = &p
	}
	return nil
}

func (s *MemoryStore) DeviceByID(_ context.Context, id int64) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) DevicesByOwner(_ context.Context, ownerID int64) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Device
	for _, d := range s.devices {
		if d.OwnerID == ownerID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PortsByDevice(_ context.Context, deviceID int64) ([]Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Port
	for _, p := range s.portsByID {
		if p.DeviceID == deviceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *MemoryStore) PortsByOwner(_ context.Context, ownerID int64) ([]Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.ownerPortsLocked(ownerID)
	cp := make([]Port, len(out))
	for i, p := range out {
		cp[i] = *p
	}
	return cp, nil
}

func (s *MemoryStore) DeleteDevice(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	delete(s.devices, id)
	for pid, p := range s.portsByID {
		if p.DeviceID == id {
			delete(s.portsByID, pid)
		}
	}
	return nil
}

func (s *MemoryStore) CountAvailable(_ context.Context, ownerID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.portsByID {
		if p.OwnerID == ownerID && p.Status == StatusAvailable {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimNextPort(_ context.Context, ownerID int64, campaignID, callID string, now time.Time) (*Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.ownerPortsLocked(ownerID) {
		if p.Status == StatusAvailable {
			s.claimLocked(p, campaignID, callID, now)
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ClaimPortByNumber(_ context.Context, ownerID int64, portNumber int, campaignID, callID string, now time.Time) (*Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findPortLocked(ownerID, portNumber)
	if p == nil {
		return nil, fmt.Errorf("port %d: %w", portNumber, ErrNotFound)
	}
	if p.Status != StatusAvailable {
		return nil, fmt.Errorf("port %d is %s: %w", portNumber, p.Status, ErrPortUnavailable)
	}
	s.claimLocked(p, campaignID, callID, now)
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FreePort(_ context.Context, ownerID int64, portNumber int, now time.Time) (*FreedPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findPortLocked(ownerID, portNumber)
	if p == nil {
		return nil, fmt.Errorf("port %d: %w", portNumber, ErrNotFound)
	}

	freed := &FreedPort{CallID: p.CallID}
	if p.Status == StatusBusy {
		s.freeLocked(p, now)
	} else {
		freed.CallID = ""
	}
	freed.Port = *p
	return freed, nil
}

func (s *MemoryStore) FreeAllPorts(_ context.Context, ownerID int64, now time.Time) ([]FreedPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var freed []FreedPort
	for _, p := range s.ownerPortsLocked(ownerID) {
		if p.Status != StatusBusy {
			continue
		}
		f := FreedPort{CallID: p.CallID}
		s.freeLocked(p, now)
		f.Port = *p
		freed = append(freed, f)
	}
	return freed, nil
}

func (s *MemoryStore) SetPortOffline(_ context.Context, ownerID int64, portNumber int, now time.Time) (*FreedPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findPortLocked(ownerID, portNumber)
	if p == nil {
		return nil, fmt.Errorf("port %d: %w", portNumber, ErrNotFound)
	}

	freed := &FreedPort{CallID: p.CallID}
	p.Status = StatusOffline
	p.CampaignID = ""
	p.CallID = ""
	p.StatusChangedAt = now
	freed.Port = *p
	return freed, nil
}

// ownerPortsLocked returns the owner's live port pointers in claim order:
// by device then port number
func (s *MemoryStore) ownerPortsLocked(ownerID int64) []*Port {
	var out []*Port
	for _, p := range s.portsByID {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Number < out[j].Number
	})
	return out
}

// findPortLocked resolves an owner-scoped port number, first device wins
func (s *MemoryStore) findPortLocked(ownerID int64, portNumber int) *Port {
	for _, p := range s.ownerPortsLocked(ownerID) {
		if p.Number == portNumber {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) claimLocked(p *Port, campaignID, callID string, now time.Time) {
	p.Status = StatusBusy
	p.CampaignID = campaignID
	p.CallID = callID
	p.StatusChangedAt = now
}

func (s *MemoryStore) freeLocked(p *Port, now time.Time) {
	p.Status = StatusAvailable
	p.CampaignID = ""
	p.CallID = ""
	p.StatusChangedAt = now
}

// --- call history ---

func (s *MemoryStore) InsertCall(_ context.Context, c *calls.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.callsByID[c.ID]; ok {
		return fmt.Errorf("call %s already exists", c.ID)
	}
	cp := *c
	s.callsByID[c.ID] = &cp
	s.callOrder = append(s.callOrder, c.ID)
	return nil
}

func (s *MemoryStore) CloseCall(_ context.Context, id string, terminal calls.TerminalStatus, end time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.callsByID[id]
	if !ok {
		return false, fmt.Errorf("call %s: %w", id, calls.ErrCallNotFound)
	}
	if c.EndedAt != nil {
		return false, nil
	}
	c.EndedAt = &end
	c.Terminal = &terminal
	return true, nil
}

func (s *MemoryStore) CallByID(_ context.Context, id string) (*calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.callsByID[id]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", id, calls.ErrCallNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) CountActiveByPort(_ context.Context, portID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.callsByID {
		if c.PortID == portID && c.EndedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountActiveByCampaign(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.callsByID {
		if c.CampaignID == campaignID && c.EndedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecentCalls(_ context.Context, ownerID int64, limit int) ([]calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.Call
	for i := len(s.callOrder) - 1; i >= 0 && len(out) < limit; i-- {
		c := s.callsByID[s.callOrder[i]]
		if c != nil && c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	return out, nil
}
