package domain

type (
	ChannelName string
	ChannelID   string
)

type Channel struct {
	ID   ChannelID
	Name ChannelName
}

// PresenceEntry is one user as currently known in a channel roster.
type PresenceEntry struct {
	UserID   UserID `json:"userId"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}
