package monitor

import (
	"sync"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

// StatsPublisher periodically pushes an active-call snapshot to the hub so
// dashboards do not have to poll the REST API
type StatsPublisher struct {
	hub      *Hub
	tracker  *calls.Tracker
	interval time.Duration

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewStatsPublisher creates a publisher with the given cadence
func NewStatsPublisher(hub *Hub, tracker *calls.Tracker, interval time.Duration) *StatsPublisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatsPublisher{
		hub:      hub,
		tracker:  tracker,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins publishing
func (p *StatsPublisher) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run()
}

// Stop halts publishing
func (p *StatsPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
}

func (p *StatsPublisher) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *StatsPublisher) publish() {
	active := p.tracker.Active().List()

	type callView struct {
		CallID     string    `json:"call_id"`
		CampaignID string    `json:"campaign_id,omitempty"`
		Number     string    `json:"number"`
		Test       bool      `json:"test"`
		StartedAt  time.Time `json:"started_at"`
	}

	views := make([]callView, 0, len(active))
	for _, c := range active {
		views = append(views, callView{
			CallID:     c.CallID,
			CampaignID: c.CampaignID,
			Number:     c.Number,
			Test:       c.Test,
			StartedAt:  c.StartedAt,
		})
	}

	p.hub.Broadcast(EventStatsUpdate, map[string]interface{}{
		"active_calls": len(views),
		"calls":        views,
	})
}
