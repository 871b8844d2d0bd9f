package core

import "github.com/parley-app/parley/internal/domain"

// ConnState is the gateway connection state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventKind tags a bus event.
type EventKind string

const (
	KindConnState    EventKind = "conn_state"
	KindError        EventKind = "error"
	KindMessage      EventKind = "message"
	KindBackfill     EventKind = "backfill"
	KindPresence     EventKind = "presence"
	KindTyping       EventKind = "typing"
	KindCallState    EventKind = "call_state"
	KindCallIncoming EventKind = "call_incoming"
	KindRemoteMedia  EventKind = "remote_media"
)

// Event is the single push-style notification shape every component emits.
// Err carries the typed error for in-process observers; Message is the
// serializable copy for the event feed.
type Event struct {
	Kind    EventKind `json:"kind"`
	Err     error     `json:"-"`
	Message string    `json:"message,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// ConnStatePayload reports a gateway state change.
type ConnStatePayload struct {
	State string `json:"state"`
}

// CallStatePayload reports a call transition.
type CallStatePayload struct {
	Call  domain.CallSession `json:"call"`
	State string             `json:"state"`
}

// RemoteMediaPayload reports an inbound stream bound to the active call.
type RemoteMediaPayload struct {
	Kind     string `json:"kind"`
	TrackID  string `json:"trackId"`
	StreamID string `json:"streamId"`
}

// TypingPayload reports a typing set change in a channel.
type TypingPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
	Username  string           `json:"username"`
	IsTyping  bool             `json:"isTyping"`
}

// PresencePayload reports the reconciled roster of a channel.
type PresencePayload struct {
	ChannelID domain.ChannelID       `json:"channelId"`
	Users     []domain.PresenceEntry `json:"users"`
}
