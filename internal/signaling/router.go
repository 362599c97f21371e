package signaling

import (
	"log"
	"strconv"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

// EventSource is the subscription half of the AMI client
type EventSource interface {
	Subscribe() <-chan Event
}

// OutcomeRouter turns raw PBX events into call outcomes. The PBX reports under
// its own channel identifiers, so the router first links those to call ids via
// the active index (VarSet carrying our call variable), then on Hangup or a
// failed OriginateResponse emits an Outcome for the dispatcher to act on.
type OutcomeRouter struct {
	source   EventSource
	index    *calls.ActiveIndex
	outcomes chan Outcome
	done     chan struct{}
}

// NewOutcomeRouter creates a router over the given event source
func NewOutcomeRouter(source EventSource, index *calls.ActiveIndex) *OutcomeRouter {
	return &OutcomeRouter{
		source:   source,
		index:    index,
		outcomes: make(chan Outcome, 256),
		done:     make(chan struct{}),
	}
}

// Outcomes is the stream of terminal call results
func (r *OutcomeRouter) Outcomes() <-chan Outcome {
	return r.outcomes
}

// Start begins consuming events
func (r *OutcomeRouter) Start() {
	events := r.source.Subscribe()
	go r.loop(events)
	log.Println("[Router] Outcome router started")
}

// Stop halts event processing
func (r *OutcomeRouter) Stop() {
	close(r.done)
	log.Println("[Router] Outcome router stopped")
}

func (r *OutcomeRouter) loop(events <-chan Event) {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.handleEvent(event)
		}
	}
}

func (r *OutcomeRouter) handleEvent(event Event) {
	switch event.Type {
	case "VarSet":
		r.handleVarSet(event)
	case "Hangup":
		r.handleHangup(event)
	case "OriginateResponse":
		r.handleOriginateResponse(event)
	}
}

// handleVarSet links the PBX channel id to our call id the moment our channel
// variable lands on the channel
func (r *OutcomeRouter) handleVarSet(event Event) {
	if event.Fields["Variable"] != callVarName {
		return
	}

	pbxID := event.Fields["Uniqueid"]
	callID := event.Fields["Value"]
	if pbxID != "" && callID != "" {
		r.index.AddAlias(pbxID, callID)
	}
}

func (r *OutcomeRouter) handleHangup(event Event) {
	uniqueid := event.Fields["Uniqueid"]
	if uniqueid == "" {
		return
	}

	callID, known := r.index.Resolve(uniqueid)
	if !known {
		// a channel we did not originate
		return
	}

	cause, _ := strconv.Atoi(event.Fields["Cause"])
	r.emit(Outcome{
		CallID:   callID,
		Terminal: terminalFromCause(cause),
		Cause:    event.Fields["Cause-txt"],
	})
}

func (r *OutcomeRouter) handleOriginateResponse(event Event) {
	if event.Fields["Response"] == "Success" {
		// the channel is up; Hangup will carry the outcome
		return
	}

	// ActionID carries our call id for failed originations that never got a
	// channel, where no VarSet alias exists
	callID := event.Fields["ActionID"]
	if callID == "" {
		var known bool
		callID, known = r.index.Resolve(event.Fields["Uniqueid"])
		if !known {
			return
		}
	}

	terminal := calls.StatusFailed
	if event.Fields["Reason"] == "5" { // busy
		terminal = calls.StatusCompleted
	}
	r.emit(Outcome{
		CallID:   callID,
		Terminal: terminal,
		Cause:    "originate reason " + event.Fields["Reason"],
	})
}

// terminalFromCause maps Q.850 hangup causes to terminal statuses. Busy and
// no-answer count as completed attempts; network problems as failures.
func terminalFromCause(cause int) calls.TerminalStatus {
	switch cause {
	case 16, 17, 18, 19, 21: // normal clearing, busy, no answer, rejected
		return calls.StatusCompleted
	case 1, 27: // unallocated number, destination out of order
		return calls.StatusFailed
	case 34, 38: // congestion
		return calls.StatusFailed
	default:
		return calls.StatusUnknown
	}
}

func (r *OutcomeRouter) emit(outcome Outcome) {
	select {
	case r.outcomes <- outcome:
	default:
		log.Printf("[Router] Outcome buffer full, dropping result for call %s", outcome.CallID)
	}
}
