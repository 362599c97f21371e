package signaling

import (
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/calls"
)

// OriginateRequest asks the PBX to place one outbound call through a specific
// gateway channel. Credential is the SIP peer of the claimed port; CallID is
// threaded through as a channel variable so terminal events can be correlated
// back to the call record.
type OriginateRequest struct {
	CallID     string
	Credential string
	Number     string
	CallerID   string
	Context    string
	Timeout    time.Duration
	Variables  map[string]string
}

// Outcome is the terminal result of a dial attempt as reported by the PBX
type Outcome struct {
	CallID   string
	Terminal calls.TerminalStatus
	Cause    string
}

// Originator places and tears down calls on the PBX. Implemented by the AMI
// client; dispatch tests substitute a fake.
type Originator interface {
	Originate(req OriginateRequest) error
	Hangup(channel, cause string) error
}
