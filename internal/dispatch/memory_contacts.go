package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// MemoryContacts is a process-local contact queue for single-instance
// deployments and tests
type MemoryContacts struct {
	mu       sync.Mutex
	contacts map[int64]*Contact
	order    []int64
	nextID   int64
}

var _ ContactSource = (*MemoryContacts)(nil)

// NewMemoryContacts creates an empty queue
func NewMemoryContacts() *MemoryContacts {
	return &MemoryContacts{contacts: make(map[int64]*Contact)}
}

// AddContacts queues numbers for a campaign
func (m *MemoryContacts) AddContacts(_ context.Context, campaignID string, numbers []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, number := range numbers {
		if number == "" {
			continue
		}
		m.nextID++
		m.contacts[m.nextID] = &Contact{
			ID:         m.nextID,
			CampaignID: campaignID,
			Number:     number,
			Status:     ContactPending,
		}
		m.order = append(m.order, m.nextID)
		added++
	}
	return added, nil
}

func (m *MemoryContacts) PendingContacts(_ context.Context, campaignID string, limit int) ([]Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Contact
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		c := m.contacts[id]
		if c.CampaignID == campaignID && c.Status == ContactPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryContacts) MarkContactDialing(_ context.Context, id int64) error {
	return m.setStatus(id, ContactDialing)
}

func (m *MemoryContacts) MarkContactDone(_ context.Context, id int64, status string) error {
	return m.setStatus(id, status)
}

func (m *MemoryContacts) RequeueContact(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contacts[id]
	if !ok {
		return fmt.Errorf("contact %d not found", id)
	}
	c.Status = ContactPending
	c.Attempts++
	return nil
}

func (m *MemoryContacts) CountContactsByStatus(_ context.Context, campaignID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, c := range m.contacts {
		if c.CampaignID == campaignID {
			counts[c.Status]++
		}
	}
	return counts, nil
}

// Contact returns a snapshot of one contact, for tests and inspection
func (m *MemoryContacts) Contact(id int64) (Contact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contacts[id]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}

func (m *MemoryContacts) setStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contacts[id]
	if !ok {
		return fmt.Errorf("contact %d not found", id)
	}
	c.Status = status
	return nil
}
