package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
	"github.com/chipside6/flow-dialer-sub000/internal/config"
	"github.com/chipside6/flow-dialer-sub000/internal/ports"
	"github.com/chipside6/flow-dialer-sub000/internal/signaling"
)

const testOwner int64 = 1

type fakeOriginator struct {
	mu       sync.Mutex
	requests []signaling.OriginateRequest
	failAll  bool
}

func (f *fakeOriginator) Originate(req signaling.OriginateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("pbx unreachable")
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeOriginator) Hangup(channel, cause string) error { return nil }

func (f *fakeOriginator) placed() []signaling.OriginateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signaling.OriginateRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

type testRig struct {
	store    *ports.MemoryStore
	tracker  *calls.Tracker
	alloc    *ports.Allocator
	contacts *MemoryContacts
	orig     *fakeOriginator
	outcomes chan signaling.Outcome
	orch     *Orchestrator
}

func newTestRig(t *testing.T, portCount, maxConcurrent int) *testRig {
	t.Helper()

	store := ports.NewMemoryStore()
	tracker := calls.NewTracker(store)
	registry := ports.NewRegistry(store, tracker)
	alloc := ports.NewAllocator(store, tracker)

	_, err := registry.RegisterDevice(context.Background(), testOwner, "GoIP-A", "", portCount)
	require.NoError(t, err)

	contacts := NewMemoryContacts()
	orig := &fakeOriginator{}
	outcomes := make(chan signaling.Outcome, 64)

	cfg := config.DialerConfig{
		MaxConcurrentDials: maxConcurrent,
		DialTimeoutSec:     5,
		TestCallCeilingSec: 5,
		ReclaimMaxAgeSec:   300,
		ContactMaxAttempts: 3,
	}

	orch := NewOrchestrator(alloc, tracker, contacts, nil, orig, outcomes, cfg)
	return &testRig{
		store:    store,
		tracker:  tracker,
		alloc:    alloc,
		contacts: contacts,
		orig:     orig,
		outcomes: outcomes,
		orch:     orch,
	}
}

// respondCompleted answers every originated call with a completed outcome
// after a short delay, like a PBX that connects and hangs up
func (r *testRig) respondCompleted(t *testing.T, done <-chan struct{}) {
	t.Helper()
	go func() {
		seen := make(map[string]bool)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, req := range r.orig.placed() {
					if !seen[req.CallID] {
						seen[req.CallID] = true
						r.outcomes <- signaling.Outcome{CallID: req.CallID, Terminal: calls.StatusCompleted}
					}
				}
			}
		}
	}()
}

func (r *testRig) availableNow(t *testing.T) int {
	t.Helper()
	n, err := r.alloc.AvailableCount(context.Background(), testOwner)
	require.NoError(t, err)
	return n
}

func TestTestCallCeilingReleasesPort(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 2)

	callID, err := rig.orch.MakeTestCall(ctx, testOwner, 0, "5550100", 200*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, callID)

	// port is held while the ceiling has not passed
	assert.Equal(t, 0, rig.availableNow(t))

	// no outcome ever arrives; the timer must hand the port back
	require.Eventually(t, func() bool {
		return rig.availableNow(t) == 1
	}, 2*time.Second, 10*time.Millisecond)

	call, err := rig.tracker.CallByID(ctx, callID)
	require.NoError(t, err)
	require.NotNil(t, call.Terminal)
	assert.Equal(t, calls.StatusTimeout, *call.Terminal)
	assert.GreaterOrEqual(t, call.EndedAt.Sub(call.StartedAt), 200*time.Millisecond)
}

func TestTestCallTinyCeilingStillSettles(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 2)

	// a ceiling that expires effectively immediately must still find the
	// flight and hand the port back on its own, without the reclaimer
	callID, err := rig.orch.MakeTestCall(ctx, testOwner, 0, "5550100", time.Nanosecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rig.availableNow(t) == 1
	}, 2*time.Second, 5*time.Millisecond)

	call, err := rig.tracker.CallByID(ctx, callID)
	require.NoError(t, err)
	require.NotNil(t, call.Terminal)
	assert.Equal(t, calls.StatusTimeout, *call.Terminal)
	assert.Equal(t, 0, rig.tracker.Active().Count())
}

func TestTestCallOutcomeBeatsCeiling(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 2)
	rig.orch.Start()
	defer rig.orch.Stop()

	callID, err := rig.orch.MakeTestCall(ctx, testOwner, 0, "5550100", time.Minute)
	require.NoError(t, err)

	rig.outcomes <- signaling.Outcome{CallID: callID, Terminal: calls.StatusCompleted}

	require.Eventually(t, func() bool {
		return rig.availableNow(t) == 1
	}, 2*time.Second, 10*time.Millisecond)

	call, err := rig.tracker.CallByID(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCompleted, *call.Terminal)
}

func TestTestCallNoPortAvailable(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 2)

	_, err := rig.orch.MakeTestCall(ctx, testOwner, 0, "5550100", time.Minute)
	require.NoError(t, err)

	_, err = rig.orch.MakeTestCall(ctx, testOwner, 0, "5550100", time.Minute)
	assert.ErrorIs(t, err, ports.ErrPortUnavailable)

	_, err = rig.orch.MakeTestCall(ctx, testOwner, 1, "5550100", time.Minute)
	assert.ErrorIs(t, err, ports.ErrPortUnavailable)
}

func TestTestCallOriginateFailureReleasesPort(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 2)
	rig.orig.failAll = true

	_, err := rig.orch.MakeTestCall(ctx, testOwner, 0, "5550100", time.Minute)
	require.Error(t, err)

	// the claim must be rolled back, not stranded until the ceiling
	assert.Equal(t, 1, rig.availableNow(t))
	assert.Equal(t, 0, rig.tracker.Active().Count())
}

func TestTestCallValidation(t *testing.T) {
	rig := newTestRig(t, 1, 2)

	_, err := rig.orch.MakeTestCall(context.Background(), testOwner, 0, "", time.Minute)
	assert.ErrorIs(t, err, ports.ErrValidation)
}

func TestCampaignDialingDrainsContacts(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 2, 2)
	rig.orch.Start()
	defer rig.orch.Stop()

	done := make(chan struct{})
	defer close(done)
	rig.respondCompleted(t, done)

	_, err := rig.contacts.AddContacts(ctx, "camp-1", []string{"5550101", "5550102", "5550103"})
	require.NoError(t, err)

	jobID, err := rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.Status == JobCompleted
	}, 10*time.Second, 20*time.Millisecond)

	job, err := rig.orch.JobByID(jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Dialed)
	assert.Equal(t, 3, job.Completed)
	assert.Equal(t, 0, job.InFlight)

	// every contact accounted for and every port back in the pool
	counts, err := rig.contacts.CountContactsByStatus(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[ContactCompleted])
	assert.Equal(t, 2, rig.availableNow(t))
	assert.Equal(t, 0, rig.tracker.Active().Count())
}

func TestCampaignDialingBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 8, 2)
	rig.orch.Start()
	defer rig.orch.Stop()

	var numbers []string
	for i := 0; i < 6; i++ {
		numbers = append(numbers, fmt.Sprintf("55501%02d", i))
	}
	_, err := rig.contacts.AddContacts(ctx, "camp-1", numbers)
	require.NoError(t, err)

	jobID, err := rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	require.NoError(t, err)

	// with no outcomes flowing, the job parks at the concurrency bound
	// even though more ports are free
	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.InFlight == 2
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	job, err := rig.orch.JobByID(jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.InFlight)
	assert.Equal(t, 2, job.Dialed)

	done := make(chan struct{})
	defer close(done)
	rig.respondCompleted(t, done)

	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.Status == JobCompleted && job.Completed == 6
	}, 10*time.Second, 20*time.Millisecond)
}

func TestStopDialingIsCooperative(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 1)
	rig.orch.Start()
	defer rig.orch.Stop()

	var numbers []string
	for i := 0; i < 20; i++ {
		numbers = append(numbers, fmt.Sprintf("55501%02d", i))
	}
	_, err := rig.contacts.AddContacts(ctx, "camp-1", numbers)
	require.NoError(t, err)

	jobID, err := rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.Dialed >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, rig.orch.StopDialing(jobID))

	// the in-flight call finishes, then the job winds down
	done := make(chan struct{})
	defer close(done)
	rig.respondCompleted(t, done)

	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.Status == JobStopped && job.InFlight == 0
	}, 10*time.Second, 20*time.Millisecond)

	// undialed contacts stay pending for a later run
	counts, err := rig.contacts.CountContactsByStatus(ctx, "camp-1")
	require.NoError(t, err)
	assert.Greater(t, counts[ContactPending], 0)
	assert.Equal(t, 1, rig.availableNow(t))

	// stopping an already stopped job is a no-op
	assert.NoError(t, rig.orch.StopDialing(jobID))
}

func TestStartCampaignValidation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 1)

	_, err := rig.orch.StartCampaignDialing(ctx, testOwner, "")
	assert.ErrorIs(t, err, ports.ErrValidation)

	_, err = rig.orch.StartCampaignDialing(ctx, 0, "camp-1")
	assert.ErrorIs(t, err, ports.ErrValidation)

	// a campaign nobody loaded contacts for
	_, err = rig.orch.StartCampaignDialing(ctx, testOwner, "camp-ghost")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestStartCampaignNoAvailablePorts(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 1)
	rig.orch.Start()
	defer rig.orch.Stop()

	_, err := rig.contacts.AddContacts(ctx, "camp-1", []string{"5550101"})
	require.NoError(t, err)

	// the only port is held by a test call, so starting a run is refused
	_, err = rig.orch.MakeTestCall(ctx, testOwner, 0, "5550100", time.Hour)
	require.NoError(t, err)

	_, err = rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	assert.ErrorIs(t, err, ports.ErrNoCapacity)

	// once the port comes back the same request goes through
	released, err := rig.alloc.Release(ctx, testOwner, 1, calls.StatusCompleted)
	require.NoError(t, err)
	require.True(t, released)

	_, err = rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	assert.NoError(t, err)
}

func TestStopCampaignByCampaignID(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 1)
	rig.orch.Start()
	defer rig.orch.Stop()

	// stopping a campaign nobody is dialing is a no-op
	require.NoError(t, rig.orch.StopCampaign("camp-idle"))

	var numbers []string
	for i := 0; i < 10; i++ {
		numbers = append(numbers, fmt.Sprintf("55501%02d", i))
	}
	_, err := rig.contacts.AddContacts(ctx, "camp-1", numbers)
	require.NoError(t, err)

	jobID, err := rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.Dialed >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, rig.orch.StopCampaign("camp-1"))

	done := make(chan struct{})
	defer close(done)
	rig.respondCompleted(t, done)

	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.Status == JobStopped
	}, 10*time.Second, 20*time.Millisecond)

	assert.ErrorIs(t, rig.orch.StopCampaign(""), ports.ErrValidation)
}

func TestStartCampaignConflict(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 1)
	rig.orch.Start()
	defer rig.orch.Stop()

	_, err := rig.contacts.AddContacts(ctx, "camp-1", []string{"5550101", "5550102"})
	require.NoError(t, err)

	jobID, err := rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	require.NoError(t, err)

	_, err = rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	assert.ErrorIs(t, err, ports.ErrConflict)

	done := make(chan struct{})
	defer close(done)
	rig.respondCompleted(t, done)

	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.Status == JobCompleted
	}, 10*time.Second, 20*time.Millisecond)

	// a finished campaign can be dialed again
	_, err = rig.contacts.AddContacts(ctx, "camp-1", []string{"5550103"})
	require.NoError(t, err)
	_, err = rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	assert.NoError(t, err)
}

func TestExhaustedContactsAreSkipped(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 1)
	rig.orch.Start()
	defer rig.orch.Stop()

	_, err := rig.contacts.AddContacts(ctx, "camp-1", []string{"5550101"})
	require.NoError(t, err)

	// burn through the attempt cap
	for i := 0; i < 3; i++ {
		require.NoError(t, rig.contacts.RequeueContact(ctx, 1))
	}

	jobID, err := rig.orch.StartCampaignDialing(ctx, testOwner, "camp-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := rig.orch.JobByID(jobID)
		return err == nil && job.Status == JobCompleted
	}, 10*time.Second, 20*time.Millisecond)

	job, err := rig.orch.JobByID(jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Skipped)
	assert.Equal(t, 0, job.Dialed)

	contact, ok := rig.contacts.Contact(1)
	require.True(t, ok)
	assert.Equal(t, ContactSkipped, contact.Status)
}

func TestReclaimerSettlesStaleCalls(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, 1, 1)

	callID, err := rig.orch.MakeTestCall(ctx, testOwner, 0, "5550100", time.Hour)
	require.NoError(t, err)

	// backdate the call so the sweep sees it as stale
	entry := rig.tracker.Active().Get(callID)
	require.NotNil(t, entry)
	entry.StartedAt = time.Now().Add(-10 * time.Minute)

	reclaimer := NewReclaimer(rig.tracker, rig.store, rig.alloc, rig.orch, 5*time.Minute)
	reclaimer.SetInterval(20 * time.Millisecond)
	reclaimer.Start()
	defer reclaimer.Stop()

	require.Eventually(t, func() bool {
		return rig.availableNow(t) == 1
	}, 5*time.Second, 10*time.Millisecond)

	call, err := rig.tracker.CallByID(ctx, callID)
	require.NoError(t, err)
	require.NotNil(t, call.Terminal)
	assert.Equal(t, calls.StatusUnknown, *call.Terminal)
}
