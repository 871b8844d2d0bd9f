package domain

type CallID string

// CallState follows the call through its lifecycle. Transitions only move
// forward, except the terminal reset from Ended back to Idle.
type CallState int

const (
	CallIdle CallState = iota
	CallInitiated
	CallRinging
	CallAccepted
	CallRejected
	CallActive
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallInitiated:
		return "initiated"
	case CallRinging:
		return "ringing"
	case CallAccepted:
		return "accepted"
	case CallRejected:
		return "rejected"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further signaling may advance the call.
func (s CallState) Terminal() bool {
	return s == CallRejected || s == CallEnded
}

// CallSession is the meta of the single call a process may run at a time.
type CallSession struct {
	ID          CallID    `json:"callId"`
	InitiatorID UserID    `json:"initiatorId"`
	Initiator   string    `json:"initiatorUsername"`
	RecipientID UserID    `json:"recipientId"`
	ChannelID   ChannelID `json:"channelId"`
	Outgoing    bool      `json:"outgoing"`
	State       CallState `json:"state"`
}
