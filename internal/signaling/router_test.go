package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

type fakeEventSource struct {
	events chan Event
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{events: make(chan Event, 16)}
}

func (f *fakeEventSource) Subscribe() <-chan Event { return f.events }

func (f *fakeEventSource) send(eventType string, fields map[string]string) {
	f.events <- Event{Type: eventType, Fields: fields}
}

func newRouter(t *testing.T) (*fakeEventSource, *calls.ActiveIndex, *OutcomeRouter) {
	t.Helper()
	source := newFakeEventSource()
	index := calls.NewActiveIndex()
	router := NewOutcomeRouter(source, index)
	router.Start()
	t.Cleanup(router.Stop)
	return source, index, router
}

func waitOutcome(t *testing.T, router *OutcomeRouter) Outcome {
	t.Helper()
	select {
	case outcome := <-router.Outcomes():
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome emitted")
		return Outcome{}
	}
}

func assertNoOutcome(t *testing.T, router *OutcomeRouter) {
	t.Helper()
	select {
	case outcome := <-router.Outcomes():
		t.Fatalf("unexpected outcome for call %s", outcome.CallID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHangupAfterVarSetEmitsOutcome(t *testing.T) {
	source, index, router := newRouter(t)
	index.Add(&calls.ActiveCall{CallID: "c-1", StartedAt: time.Now()})

	// the PBX sets our variable on its channel, linking its id to ours
	source.send("VarSet", map[string]string{
		"Variable": callVarName,
		"Value":    "c-1",
		"Uniqueid": "pbx-123",
	})

	// normal clearing
	source.send("Hangup", map[string]string{
		"Uniqueid":  "pbx-123",
		"Cause":     "16",
		"Cause-txt": "Normal Clearing",
	})

	outcome := waitOutcome(t, router)
	assert.Equal(t, "c-1", outcome.CallID)
	assert.Equal(t, calls.StatusCompleted, outcome.Terminal)
	assert.Equal(t, "Normal Clearing", outcome.Cause)
}

func TestHangupCauseMapping(t *testing.T) {
	cases := []struct {
		cause string
		want  calls.TerminalStatus
	}{
		{"16", calls.StatusCompleted}, // normal clearing
		{"17", calls.StatusCompleted}, // busy
		{"19", calls.StatusCompleted}, // no answer
		{"1", calls.StatusFailed},     // unallocated number
		{"34", calls.StatusFailed},    // congestion
		{"99", calls.StatusUnknown},
	}

	for _, tc := range cases {
		t.Run("cause "+tc.cause, func(t *testing.T) {
			source, index, router := newRouter(t)
			index.Add(&calls.ActiveCall{CallID: "c-1", StartedAt: time.Now()})
			index.AddAlias("pbx-1", "c-1")

			source.send("Hangup", map[string]string{"Uniqueid": "pbx-1", "Cause": tc.cause})

			outcome := waitOutcome(t, router)
			assert.Equal(t, tc.want, outcome.Terminal)
		})
	}
}

func TestHangupForUnknownChannelIgnored(t *testing.T) {
	source, _, router := newRouter(t)

	// a channel we never originated, e.g. an inbound call on the PBX
	source.send("Hangup", map[string]string{"Uniqueid": "pbx-999", "Cause": "16"})

	assertNoOutcome(t, router)
}

func TestFailedOriginateEmitsViaActionID(t *testing.T) {
	source, index, router := newRouter(t)
	index.Add(&calls.ActiveCall{CallID: "c-1", StartedAt: time.Now()})

	// the dial never got a channel, so no VarSet alias exists; ActionID
	// carries the call id
	source.send("OriginateResponse", map[string]string{
		"Response": "Failure",
		"ActionID": "c-1",
		"Reason":   "0",
	})

	outcome := waitOutcome(t, router)
	assert.Equal(t, "c-1", outcome.CallID)
	assert.Equal(t, calls.StatusFailed, outcome.Terminal)
}

func TestBusyOriginateCountsAsCompleted(t *testing.T) {
	source, _, router := newRouter(t)

	source.send("OriginateResponse", map[string]string{
		"Response": "Failure",
		"ActionID": "c-1",
		"Reason":   "5",
	})

	outcome := waitOutcome(t, router)
	assert.Equal(t, calls.StatusCompleted, outcome.Terminal)
}

func TestSuccessfulOriginateDefersToHangup(t *testing.T) {
	source, index, router := newRouter(t)
	index.Add(&calls.ActiveCall{CallID: "c-1", StartedAt: time.Now()})

	source.send("OriginateResponse", map[string]string{
		"Response": "Success",
		"ActionID": "c-1",
	})

	assertNoOutcome(t, router)
}

func TestVarSetForOtherVariablesIgnored(t *testing.T) {
	source, index, router := newRouter(t)
	index.Add(&calls.ActiveCall{CallID: "c-1", StartedAt: time.Now()})

	source.send("VarSet", map[string]string{
		"Variable": "SOMETHING_ELSE",
		"Value":    "c-1",
		"Uniqueid": "pbx-123",
	})
	source.send("Hangup", map[string]string{"Uniqueid": "pbx-123", "Cause": "16"})

	// without the alias the hangup cannot be correlated
	assertNoOutcome(t, router)

	_, known := index.Resolve("pbx-123")
	require.False(t, known)
}
