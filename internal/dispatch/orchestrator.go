package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
	"github.com/chipside6/flow-dialer-sub000/internal/config"
	"github.com/chipside6/flow-dialer-sub000/internal/ports"
	"github.com/chipside6/flow-dialer-sub000/internal/signaling"
)

// dispatchInterval is how often a job loop looks for free slots and contacts
const dispatchInterval = 250 * time.Millisecond

// flight is the dispatcher's record of one in-flight dial: everything needed
// to settle it when the terminal event (or the ceiling timer) fires
type flight struct {
	callID     string
	jobID      string
	ownerID    int64
	portNumber int
	contactID  int64
	timer      *time.Timer
}

// Orchestrator runs campaign dialing jobs and one-off test calls. Each job is
// a background loop that keeps at most MaxConcurrentDials calls in flight,
// pulling pending contacts as ports free up. Every dial holds exactly one
// acquired port from originate until its outcome settles; the settle path is
// the only place ports are released, whether the trigger is a PBX event, a
// test-call ceiling timer, or the stale-call reclaimer.
type Orchestrator struct {
	alloc    *ports.Allocator
	tracker  *calls.Tracker
	contacts ContactSource
	jobStore JobStore
	orig     signaling.Originator
	outcomes <-chan signaling.Outcome
	cfg      config.DialerConfig

	mu            sync.Mutex
	jobs          map[string]*Job
	jobByCampaign map[string]*Job
	stopRequested map[string]bool
	inFlight      map[string]*flight

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewOrchestrator wires the dispatcher. jobStore may be nil; outcomes may be
// nil when no signaling backend is attached (settling then happens only via
// timers and the reclaimer).
func NewOrchestrator(alloc *ports.Allocator, tracker *calls.Tracker, contacts ContactSource,
	jobStore JobStore, orig signaling.Originator, outcomes <-chan signaling.Outcome,
	cfg config.DialerConfig) *Orchestrator {
	return &Orchestrator{
		alloc:         alloc,
		tracker:       tracker,
		contacts:      contacts,
		jobStore:      jobStore,
		orig:          orig,
		outcomes:      outcomes,
		cfg:           cfg,
		jobs:          make(map[string]*Job),
		jobByCampaign: make(map[string]*Job),
		stopRequested: make(map[string]bool),
		inFlight:      make(map[string]*flight),
		stopChan:      make(chan struct{}),
	}
}

// Start launches the outcome consumer
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.outcomeLoop()
	log.Println("[Dispatch] Orchestrator started")
}

// Stop halts all job loops and the outcome consumer. In-flight calls are left
// to the PBX; their ports get reclaimed on the next start by the reclaimer.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	close(o.stopChan)
	o.wg.Wait()
	log.Println("[Dispatch] Orchestrator stopped")
}

// StartCampaignDialing validates the request, registers a job, and returns its
// id immediately; dialing proceeds in the background. One job per campaign at
// a time.
func (o *Orchestrator) StartCampaignDialing(ctx context.Context, ownerID int64, campaignID string) (string, error) {
	if campaignID == "" {
		return "", fmt.Errorf("%w: campaign id is required", ports.ErrValidation)
	}
	if ownerID <= 0 {
		return "", fmt.Errorf("%w: owner is required", ports.ErrValidation)
	}

	// refuse up front when the owner has nothing to dial with, instead of
	// registering a job that grinds every contact through requeue and skip
	available, err := o.alloc.AvailableCount(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("error checking port capacity: %w", err)
	}
	if available == 0 {
		return "", fmt.Errorf("no available GoIP ports: %w", ports.ErrNoCapacity)
	}

	counts, err := o.contacts.CountContactsByStatus(ctx, campaignID)
	if err != nil {
		return "", fmt.Errorf("error inspecting campaign %s: %w", campaignID, err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return "", fmt.Errorf("campaign %s has no contacts: %w", campaignID, ports.ErrNotFound)
	}

	o.mu.Lock()
	if existing, ok := o.jobByCampaign[campaignID]; ok {
		o.mu.Unlock()
		return "", fmt.Errorf("campaign %s already dialing (job %s): %w", campaignID, existing.ID, ports.ErrConflict)
	}

	job := &Job{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		OwnerID:    ownerID,
		Status:     JobRunning,
		StartedAt:  time.Now(),
	}
	o.jobs[job.ID] = job
	o.jobByCampaign[campaignID] = job
	o.wg.Add(1)
	o.mu.Unlock()

	o.persistJob(job)
	go o.runJob(job)

	log.Printf("[Dispatch] Job %s started for campaign %s (owner %d)", job.ID, campaignID, ownerID)
	return job.ID, nil
}

// StopDialing asks a running job to wind down: no new dials are launched and
// the job finishes once its in-flight calls settle
func (o *Orchestrator) StopDialing(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ports.ErrNotFound)
	}
	o.stopJobLocked(job)
	return nil
}

// StopCampaign winds down whatever job is dialing the campaign. Stopping a
// campaign that is not dialing is a no-op, so callers can stop unconditionally.
func (o *Orchestrator) StopCampaign(campaignID string) error {
	if campaignID == "" {
		return fmt.Errorf("%w: campaign id is required", ports.ErrValidation)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobByCampaign[campaignID]
	if !ok {
		return nil
	}
	o.stopJobLocked(job)
	return nil
}

func (o *Orchestrator) stopJobLocked(job *Job) {
	if job.Status != JobRunning {
		return
	}
	job.Status = JobStopping
	o.stopRequested[job.ID] = true
	log.Printf("[Dispatch] Job %s stopping (%d call(s) in flight)", job.ID, job.InFlight)
}

// JobByID returns a snapshot of a job's state
func (o *Orchestrator) JobByID(jobID string) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ports.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

// Jobs returns snapshots of all known jobs, newest first not guaranteed
func (o *Orchestrator) Jobs() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, *j)
	}
	return out
}

// MakeTestCall places a single diagnostic call. portNumber selects a specific
// port; zero takes the next free one. The call holds its port for at most
// ceiling (the configured default when zero) regardless of what the PBX
// reports, enforced by a timer that force-settles the call as timed out.
func (o *Orchestrator) MakeTestCall(ctx context.Context, ownerID int64, portNumber int, number string, ceiling time.Duration) (string, error) {
	if number == "" {
		return "", fmt.Errorf("%w: destination number is required", ports.ErrValidation)
	}
	if ceiling <= 0 {
		ceiling = o.cfg.TestCallCeiling()
	}

	var acq *ports.Acquisition
	var err error
	if portNumber > 0 {
		acq, err = o.alloc.AcquirePort(ctx, ownerID, portNumber, "", number, true)
	} else {
		var ok bool
		acq, ok, err = o.alloc.Acquire(ctx, ownerID, "", number, true)
		if err == nil && !ok {
			return "", fmt.Errorf("no port available for test call: %w", ports.ErrPortUnavailable)
		}
	}
	if err != nil {
		return "", err
	}

	callID := acq.Call.ID
	fl := &flight{
		callID:     callID,
		ownerID:    acq.Port.OwnerID,
		portNumber: acq.Port.Number,
	}

	// the flight must be registered before the timer is armed: a ceiling
	// short enough to fire immediately has to find something to settle
	o.mu.Lock()
	o.inFlight[callID] = fl
	fl.timer = time.AfterFunc(ceiling, func() {
		if o.settle(callID, calls.StatusTimeout) {
			log.Printf("[Dispatch] Test call %s hit the %v ceiling, port released", callID, ceiling)
		}
	})
	o.mu.Unlock()

	if err := o.orig.Originate(signaling.OriginateRequest{
		CallID:     callID,
		Credential: acq.Port.Credential,
		Number:     number,
		Timeout:    o.cfg.DialTimeout(),
	}); err != nil {
		o.settle(callID, calls.StatusFailed)
		return "", fmt.Errorf("error originating test call: %w", err)
	}

	log.Printf("[Dispatch] Test call %s placed on port %d (ceiling %v)", callID, acq.Port.Number, ceiling)
	return callID, nil
}

// ForceRelease settles an in-flight call from outside the normal outcome path
// (the stale-call reclaimer). Reports whether the call was known here.
func (o *Orchestrator) ForceRelease(callID string, terminal calls.TerminalStatus) bool {
	return o.settle(callID, terminal)
}

func (o *Orchestrator) outcomeLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopChan:
			return
		case outcome, ok := <-o.outcomes:
			if !ok {
				return
			}
			if o.settle(outcome.CallID, outcome.Terminal) {
				log.Printf("[Dispatch] Call %s settled: %s (%s)", outcome.CallID, outcome.Terminal, outcome.Cause)
			}
		}
	}
}

func (o *Orchestrator) runJob(job *Job) {
	defer o.wg.Done()

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			if o.tickJob(job) {
				return
			}
		}
	}
}

// tickJob runs one dispatch cycle for a job; true means the job is finished
func (o *Orchestrator) tickJob(job *Job) bool {
	ctx := context.Background()

	o.mu.Lock()
	stopping := o.stopRequested[job.ID]
	inFlight := job.InFlight
	o.mu.Unlock()

	if stopping {
		if inFlight == 0 {
			o.finishJob(job, JobStopped)
			return true
		}
		return false
	}

	slots := o.cfg.MaxConcurrentDials - inFlight
	if slots <= 0 {
		return false
	}

	batch, err := o.contacts.PendingContacts(ctx, job.CampaignID, slots)
	if err != nil {
		log.Printf("[Dispatch] Error fetching contacts for campaign %s: %v", job.CampaignID, err)
		return false
	}
	if len(batch) == 0 {
		if inFlight == 0 {
			o.finishJob(job, JobCompleted)
			return true
		}
		return false
	}

	for _, contact := range batch {
		if contact.Attempts >= o.cfg.ContactMaxAttempts {
			if err := o.contacts.MarkContactDone(ctx, contact.ID, ContactSkipped); err != nil {
				log.Printf("[Dispatch] Error skipping contact %d: %v", contact.ID, err)
				continue
			}
			o.bumpJob(job, func(j *Job) { j.Skipped++ })
			log.Printf("[Dispatch] Skipping contact %d after %d attempts", contact.ID, contact.Attempts)
			continue
		}

		if err := o.contacts.MarkContactDialing(ctx, contact.ID); err != nil {
			log.Printf("[Dispatch] Error marking contact %d dialing: %v", contact.ID, err)
			continue
		}

		acq, ok, err := o.alloc.Acquire(ctx, job.OwnerID, job.CampaignID, contact.Number, false)
		if err != nil {
			log.Printf("[Dispatch] Acquire failed for contact %d: %v", contact.ID, err)
			o.requeue(ctx, contact.ID)
			continue
		}
		if !ok {
			// pool exhausted: put the contact back and wait for releases
			o.requeue(ctx, contact.ID)
			break
		}

		o.launch(job, acq, contact.ID)
	}
	return false
}

// launch registers the flight and sends the originate. A send failure settles
// immediately so the port is never stranded.
func (o *Orchestrator) launch(job *Job, acq *ports.Acquisition, contactID int64) {
	fl := &flight{
		callID:     acq.Call.ID,
		jobID:      job.ID,
		ownerID:    acq.Port.OwnerID,
		portNumber: acq.Port.Number,
		contactID:  contactID,
	}

	o.mu.Lock()
	o.inFlight[fl.callID] = fl
	job.InFlight++
	job.Dialed++
	o.mu.Unlock()

	if err := o.orig.Originate(signaling.OriginateRequest{
		CallID:     acq.Call.ID,
		Credential: acq.Port.Credential,
		Number:     acq.Call.Number,
		Timeout:    o.cfg.DialTimeout(),
	}); err != nil {
		log.Printf("[Dispatch] Originate failed for call %s: %v", acq.Call.ID, err)
		o.settle(acq.Call.ID, calls.StatusFailed)
	}
}

// settle releases the call's port, closes its record, and updates contact and
// job bookkeeping. Exactly one caller wins; the rest see false. Safe against
// the outcome/timer/reclaimer races because the flight map delete is atomic.
func (o *Orchestrator) settle(callID string, terminal calls.TerminalStatus) bool {
	o.mu.Lock()
	fl, ok := o.inFlight[callID]
	if ok {
		delete(o.inFlight, callID)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}

	if fl.timer != nil {
		fl.timer.Stop()
	}

	ctx := context.Background()
	if _, err := o.alloc.Release(ctx, fl.ownerID, fl.portNumber, terminal); err != nil {
		log.Printf("[Dispatch] Error releasing port %d for call %s: %v", fl.portNumber, callID, err)
	}

	contactStatus := ContactFailed
	if terminal == calls.StatusCompleted {
		contactStatus = ContactCompleted
	}
	if fl.contactID != 0 {
		if err := o.contacts.MarkContactDone(ctx, fl.contactID, contactStatus); err != nil {
			log.Printf("[Dispatch] Error updating contact %d: %v", fl.contactID, err)
		}
	}

	if fl.jobID != "" {
		o.mu.Lock()
		if job, exists := o.jobs[fl.jobID]; exists {
			job.InFlight--
			if contactStatus == ContactCompleted {
				job.Completed++
			} else {
				job.Failed++
			}
		}
		o.mu.Unlock()
	}
	return true
}

func (o *Orchestrator) requeue(ctx context.Context, contactID int64) {
	if err := o.contacts.RequeueContact(ctx, contactID); err != nil {
		log.Printf("[Dispatch] Error requeueing contact %d: %v", contactID, err)
	}
}

func (o *Orchestrator) bumpJob(job *Job, fn func(*Job)) {
	o.mu.Lock()
	fn(job)
	o.mu.Unlock()
}

func (o *Orchestrator) finishJob(job *Job, status JobStatus) {
	o.mu.Lock()
	job.Status = status
	now := time.Now()
	job.FinishedAt = &now
	delete(o.jobByCampaign, job.CampaignID)
	delete(o.stopRequested, job.ID)
	o.mu.Unlock()

	o.persistJob(job)
	log.Printf("[Dispatch] Job %s finished: %s (dialed=%d completed=%d failed=%d skipped=%d)",
		job.ID, status, job.Dialed, job.Completed, job.Failed, job.Skipped)
}

func (o *Orchestrator) persistJob(job *Job) {
	if o.jobStore == nil {
		return
	}
	o.mu.Lock()
	cp := *job
	o.mu.Unlock()
	if err := o.jobStore.UpsertJob(context.Background(), &cp); err != nil {
		log.Printf("[Dispatch] Error persisting job %s: %v", job.ID, err)
	}
}
