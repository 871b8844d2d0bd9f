package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/domain"
	"github.com/parley-app/parley/internal/protocol"
)

// Relay sends and receives chat messages per channel. There is no local
// echo: a message counts as sent only when the backend re-delivers it.
type Relay struct {
	mu        sync.Mutex
	transport core.Transport
	bus       *core.Bus
	debounce  time.Duration

	buffers map[domain.ChannelID][]domain.Message
	typing  map[domain.ChannelID]*time.Timer
}

func NewRelay(t core.Transport, bus *core.Bus, debounce time.Duration) *Relay {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Relay{
		transport: t,
		bus:       bus,
		debounce:  debounce,
		buffers:   make(map[domain.ChannelID][]domain.Message),
		typing:    make(map[domain.ChannelID]*time.Timer),
	}
}

// Send emits one message. Rejected synchronously while disconnected.
// An explicit send also closes any open typing window.
func (r *Relay) Send(id domain.ChannelID, text string, kind domain.MessageKind, imageURL, fileURL string) error {
	r.stopTyping(id, true)

	err := r.transport.Send(protocol.EventSendMessage, protocol.SendMessage{
		ChannelID: id,
		Text:      text,
		Kind:      kind,
		ImageURL:  imageURL,
		FileURL:   fileURL,
	})
	if err != nil {
		r.bus.PublishError(err)
		return err
	}
	return nil
}

// Keystroke opens or refreshes the typing window. The start notice goes out
// once per window; further keystrokes only reset the timer.
func (r *Relay) Keystroke(id domain.ChannelID) {
	r.mu.Lock()
	if timer, ok := r.typing[id]; ok {
		timer.Reset(r.debounce)
		r.mu.Unlock()
		return
	}
	r.typing[id] = time.AfterFunc(r.debounce, func() {
		r.stopTyping(id, true)
	})
	r.mu.Unlock()

	if err := r.transport.Send(protocol.EventTyping, protocol.Typing{ChannelID: id, IsTyping: true}); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("channel", string(id)).Msg("typing emit failed")
	}
}

// stopTyping closes the window. The stop notice is emitted at most once per
// window regardless of how the window closes.
func (r *Relay) stopTyping(id domain.ChannelID, emit bool) {
	r.mu.Lock()
	timer, ok := r.typing[id]
	if ok {
		timer.Stop()
		delete(r.typing, id)
	}
	r.mu.Unlock()
	if !ok || !emit {
		return
	}
	if err := r.transport.Send(protocol.EventStopTyping, protocol.Typing{ChannelID: id}); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("channel", string(id)).Msg("stop typing emit failed")
	}
}

// HandleNew appends a delivered message to the channel buffer.
func (r *Relay) HandleNew(id domain.ChannelID, msg domain.Message) {
	r.mu.Lock()
	r.buffers[id] = append(r.buffers[id], msg)
	r.mu.Unlock()

	r.bus.Publish(core.Event{Kind: core.KindMessage, Payload: msg})
}

// HandleBackfill replaces the channel buffer wholesale; merging would
// reintroduce duplicate and ordering defects.
func (r *Relay) HandleBackfill(id domain.ChannelID, msgs []domain.Message) {
	buf := make([]domain.Message, len(msgs))
	copy(buf, msgs)
	r.mu.Lock()
	r.buffers[id] = buf
	r.mu.Unlock()

	r.bus.Publish(core.Event{
		Kind:    core.KindBackfill,
		Payload: protocol.PreviousMessages{ChannelID: id, Messages: buf},
	})
}

// Messages returns a copy of the channel's delivery buffer.
func (r *Relay) Messages(id domain.ChannelID) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Message, len(r.buffers[id]))
	copy(out, r.buffers[id])
	return out
}
