package domain

import "time"

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

// Message is immutable once received; the relay's buffer owns it.
type Message struct {
	ChannelID ChannelID   `json:"channelId"`
	AuthorID  UserID      `json:"authorId"`
	Author    string      `json:"author"`
	Text      string      `json:"text,omitempty"`
	ImageURL  string      `json:"imageUrl,omitempty"`
	FileURL   string      `json:"fileUrl,omitempty"`
	Kind      MessageKind `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`
}
