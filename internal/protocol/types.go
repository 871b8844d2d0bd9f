// Package protocol defines the wire events exchanged with the messaging
// backend over the persistent connection. Payload structs mirror the backend
// contract field for field; nothing here holds state.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/parley-app/parley/internal/domain"
)

// ErrMissingEvent indicates a frame without an event name.
var ErrMissingEvent = errors.New("frame missing event name")

// EventType names one wire event.
type EventType string

const (
	// Outbound channel/session events
	EventJoinChannel  EventType = "join_channel"
	EventLeaveChannel EventType = "leave_channel"
	EventSendMessage  EventType = "send_message"
	EventTyping       EventType = "typing"
	EventStopTyping   EventType = "stop_typing"

	// Inbound channel/session events
	EventNewMessage       EventType = "new_message"
	EventPreviousMessages EventType = "previous_messages"
	EventChannelUsers     EventType = "channel_users"
	EventUserJoined       EventType = "user_joined"
	EventUserLeft         EventType = "user_left"
	EventUserTyping       EventType = "user_typing"
	EventUserStopTyping   EventType = "user_stop_typing"

	// Both directions
	EventError EventType = "error"

	// Call signaling
	EventCallInitiate     EventType = "video_call_initiate"
	EventCallIncoming     EventType = "video_call_incoming"
	EventCallAccept       EventType = "video_call_accept"
	EventCallReject       EventType = "video_call_reject"
	EventCallEnd          EventType = "video_call_end"
	EventCallOffer        EventType = "video_call_offer"
	EventCallAnswer       EventType = "video_call_answer"
	EventCallICECandidate EventType = "video_call_ice_candidate"
)

// Envelope is the framing for every wire message: an event name plus its
// JSON payload. Data stays raw until the dispatcher knows the event.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal frames a payload under the given event name.
func Marshal(event EventType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Unmarshal parses one wire frame. Frames without an event name are invalid.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

type JoinChannel struct {
	ChannelID   domain.ChannelID   `json:"channelId"`
	ChannelName domain.ChannelName `json:"channelName"`
}

type LeaveChannel struct {
	ChannelID domain.ChannelID `json:"channelId"`
}

type SendMessage struct {
	ChannelID domain.ChannelID   `json:"channelId"`
	Text      string             `json:"text,omitempty"`
	Kind      domain.MessageKind `json:"kind"`
	ImageURL  string             `json:"imageUrl,omitempty"`
	FileURL   string             `json:"fileUrl,omitempty"`
}

type Typing struct {
	ChannelID domain.ChannelID `json:"channelId"`
	IsTyping  bool             `json:"isTyping,omitempty"`
}

type NewMessage struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Message   domain.Message   `json:"message"`
}

type PreviousMessages struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Messages  []domain.Message `json:"messages"`
}

type ChannelUsers struct {
	ChannelID domain.ChannelID       `json:"channelId"`
	Users     []domain.PresenceEntry `json:"users"`
}

type UserPresence struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
	Username  string           `json:"username"`
	Message   string           `json:"message,omitempty"`
}

type UserTyping struct {
	ChannelID domain.ChannelID `json:"channelId"`
	UserID    domain.UserID    `json:"userId"`
	Username  string           `json:"username"`
	IsTyping  bool             `json:"isTyping,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

type CallInitiate struct {
	RecipientID domain.UserID    `json:"recipientId"`
	ChannelID   domain.ChannelID `json:"channelId"`
}

type CallIncoming struct {
	CallID            domain.CallID    `json:"callId"`
	InitiatorID       domain.UserID    `json:"initiatorId"`
	InitiatorUsername string           `json:"initiatorUsername"`
	ChannelID         domain.ChannelID `json:"channelId"`
}

// CallControl covers accept / reject / end: the call id is the whole payload.
type CallControl struct {
	CallID domain.CallID `json:"callId"`
}

type CallOffer struct {
	CallID      domain.CallID    `json:"callId"`
	InitiatorID domain.UserID    `json:"initiatorId,omitempty"`
	ChannelID   domain.ChannelID `json:"channelId,omitempty"`
	Offer       string           `json:"offer"`
}

type CallAnswer struct {
	CallID      domain.CallID `json:"callId"`
	RecipientID domain.UserID `json:"recipientId,omitempty"`
	Answer      string        `json:"answer"`
}

type CallICECandidate struct {
	CallID    domain.CallID   `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}
