package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/domain"
	"github.com/parley-app/parley/internal/protocol"
)

type typingKey struct {
	Channel domain.ChannelID
	User    domain.UserID
}

// Tracker maintains the locally known presence roster and typing set for
// joined channels. It never queues requests: emitting while disconnected
// fails and is surfaced, nothing more.
type Tracker struct {
	mu        sync.RWMutex
	transport core.Transport
	bus       *core.Bus
	dir       core.Directory

	rosters map[domain.ChannelID]map[domain.UserID]domain.PresenceEntry
	typing  map[typingKey]string // value is the display name
}

func NewTracker(t core.Transport, dir core.Directory, bus *core.Bus) *Tracker {
	return &Tracker{
		transport: t,
		bus:       bus,
		dir:       dir,
		rosters:   make(map[domain.ChannelID]map[domain.UserID]domain.PresenceEntry),
		typing:    make(map[typingKey]string),
	}
}

// Join emits a join request and drops any state held for other channels;
// the backend answers with a fresh roster snapshot and backfill.
func (t *Tracker) Join(id domain.ChannelID, name domain.ChannelName) error {
	t.mu.Lock()
	for ch := range t.rosters {
		if ch != id {
			delete(t.rosters, ch)
		}
	}
	for key := range t.typing {
		if key.Channel != id {
			delete(t.typing, key)
		}
	}
	t.mu.Unlock()

	err := t.transport.Send(protocol.EventJoinChannel, protocol.JoinChannel{ChannelID: id, ChannelName: name})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.tracker").Str("channel", string(id)).Msg("join failed")
		t.bus.PublishError(err)
		return err
	}
	log.Info().Str("module", "app.tracker").Str("channel", string(id)).Msg("joined channel")
	return nil
}

// Leave emits a leave request and clears local state for the channel.
// Safe to call for channels that were never joined.
func (t *Tracker) Leave(id domain.ChannelID) error {
	t.mu.Lock()
	delete(t.rosters, id)
	for key := range t.typing {
		if key.Channel == id {
			delete(t.typing, key)
		}
	}
	t.mu.Unlock()

	err := t.transport.Send(protocol.EventLeaveChannel, protocol.LeaveChannel{ChannelID: id})
	if err != nil {
		t.bus.PublishError(err)
		return err
	}
	return nil
}

// ApplySnapshot replaces the channel roster wholesale.
func (t *Tracker) ApplySnapshot(id domain.ChannelID, users []domain.PresenceEntry) {
	roster := make(map[domain.UserID]domain.PresenceEntry, len(users))
	for _, u := range users {
		u.Username = t.resolve(u.UserID, u.Username)
		roster[u.UserID] = u
	}
	t.mu.Lock()
	t.rosters[id] = roster
	t.mu.Unlock()
	t.publishRoster(id)
}

// ApplyJoined reconciles an incremental join notice, replacing any
// duplicate entry for the same user id.
func (t *Tracker) ApplyJoined(id domain.ChannelID, userID domain.UserID, username string) {
	entry := domain.PresenceEntry{
		UserID:   userID,
		Username: t.resolve(userID, username),
		Online:   true,
	}
	t.mu.Lock()
	roster, ok := t.rosters[id]
	if !ok {
		roster = make(map[domain.UserID]domain.PresenceEntry)
		t.rosters[id] = roster
	}
	roster[userID] = entry
	t.mu.Unlock()
	t.publishRoster(id)
}

// ApplyLeft removes the user from the roster and the typing set.
func (t *Tracker) ApplyLeft(id domain.ChannelID, userID domain.UserID) {
	t.mu.Lock()
	if roster, ok := t.rosters[id]; ok {
		delete(roster, userID)
	}
	delete(t.typing, typingKey{Channel: id, User: userID})
	t.mu.Unlock()
	t.publishRoster(id)
}

// ApplyTyping reconciles a typing notice. The sender owns the idle timeout;
// the tracker only trusts the explicit boolean.
func (t *Tracker) ApplyTyping(id domain.ChannelID, userID domain.UserID, username string, isTyping bool) {
	key := typingKey{Channel: id, User: userID}
	name := t.resolve(userID, username)
	t.mu.Lock()
	if isTyping {
		t.typing[key] = name
	} else {
		delete(t.typing, key)
	}
	t.mu.Unlock()

	t.bus.Publish(core.Event{
		Kind: core.KindTyping,
		Payload: core.TypingPayload{
			ChannelID: id,
			UserID:    userID,
			Username:  name,
			IsTyping:  isTyping,
		},
	})
}

// Roster returns a copy of the channel's presence entries.
func (t *Tracker) Roster(id domain.ChannelID) []domain.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roster := t.rosters[id]
	out := make([]domain.PresenceEntry, 0, len(roster))
	for _, e := range roster {
		out = append(out, e)
	}
	return out
}

// TypingUsers returns the ids currently typing in the channel.
func (t *Tracker) TypingUsers(id domain.ChannelID) []domain.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.UserID, 0)
	for key := range t.typing {
		if key.Channel == id {
			out = append(out, key.User)
		}
	}
	return out
}

func (t *Tracker) resolve(id domain.UserID, fallback string) string {
	if t.dir != nil {
		if name, ok := t.dir.DisplayName(id); ok {
			return name
		}
	}
	return fallback
}

func (t *Tracker) publishRoster(id domain.ChannelID) {
	t.bus.Publish(core.Event{
		Kind:    core.KindPresence,
		Payload: core.PresencePayload{ChannelID: id, Users: t.Roster(id)},
	})
}
