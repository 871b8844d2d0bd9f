package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/domain"
	"github.com/parley-app/parley/internal/protocol"
)

// Transport is what the engine needs from the gateway: the app-facing seam
// plus inbound dispatch registration.
type Transport interface {
	core.Transport
	SetHandler(func(protocol.Envelope))
}

// Engine is the explicit context object owning every realtime concern of
// the process: one transport, one tracker, one relay, one call manager,
// one bus. Nothing here lives in a global registry.
type Engine struct {
	self    domain.User
	bus     *core.Bus
	gateway Transport

	Tracker *Tracker
	Relay   *Relay
	Calls   *CallManager

	ctx    context.Context
	cancel context.CancelFunc
}

type Options struct {
	TypingDebounce  time.Duration
	CallRingTimeout time.Duration
}

func NewEngine(
	self domain.User,
	gw Transport,
	peers core.PeerFactory,
	media core.MediaManager,
	dir core.Directory,
	bus *core.Bus,
	opts Options,
) *Engine {
	e := &Engine{
		self:    self,
		bus:     bus,
		gateway: gw,
		Tracker: NewTracker(gw, dir, bus),
		Relay:   NewRelay(gw, bus, opts.TypingDebounce),
		Calls:   NewCallManager(gw, peers, media, bus, self, opts.CallRingTimeout),
	}
	gw.SetHandler(e.handle)
	return e
}

// Self returns the current user identity (read-only collaborator).
func (e *Engine) Self() domain.User { return e.self }

// Bus exposes the notification stream observers subscribe to.
func (e *Engine) Bus() *core.Bus { return e.bus }

// ConnState reports the gateway state.
func (e *Engine) ConnState() core.ConnState { return e.gateway.State() }

// Run watches the bus for transport drops until ctx is done. A drop while a
// call is live marks the call Ended; reconnection never recovers it.
func (e *Engine) Run(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	events, unsubscribe := e.bus.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-e.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != core.KindConnState {
					continue
				}
				if p, ok := ev.Payload.(core.ConnStatePayload); ok && p.State == core.Disconnected.String() {
					e.Calls.HandleTransportDown()
				}
			}
		}
	}()
}

// Connect opens the backend session.
func (e *Engine) Connect() error {
	if e.ctx == nil {
		return core.ErrClosed
	}
	return e.gateway.Connect(e.ctx)
}

// Disconnect closes the backend session.
func (e *Engine) Disconnect() { e.gateway.Disconnect() }

// Shutdown stops the engine: call torn down, session closed.
func (e *Engine) Shutdown() {
	e.Calls.End()
	e.gateway.Disconnect()
	if e.cancel != nil {
		e.cancel()
	}
}

// handle dispatches one inbound envelope in arrival order.
func (e *Engine) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventNewMessage:
		var p protocol.NewMessage
		if !decode(env, &p) {
			return
		}
		e.Relay.HandleNew(p.ChannelID, p.Message)

	case protocol.EventPreviousMessages:
		var p protocol.PreviousMessages
		if !decode(env, &p) {
			return
		}
		e.Relay.HandleBackfill(p.ChannelID, p.Messages)

	case protocol.EventChannelUsers:
		var p protocol.ChannelUsers
		if !decode(env, &p) {
			return
		}
		e.Tracker.ApplySnapshot(p.ChannelID, p.Users)

	case protocol.EventUserJoined:
		var p protocol.UserPresence
		if !decode(env, &p) {
			return
		}
		e.Tracker.ApplyJoined(p.ChannelID, p.UserID, p.Username)

	case protocol.EventUserLeft:
		var p protocol.UserPresence
		if !decode(env, &p) {
			return
		}
		e.Tracker.ApplyLeft(p.ChannelID, p.UserID)

	case protocol.EventUserTyping:
		var p protocol.UserTyping
		if !decode(env, &p) {
			return
		}
		e.Tracker.ApplyTyping(p.ChannelID, p.UserID, p.Username, true)

	case protocol.EventUserStopTyping:
		var p protocol.UserTyping
		if !decode(env, &p) {
			return
		}
		e.Tracker.ApplyTyping(p.ChannelID, p.UserID, p.Username, false)

	case protocol.EventError:
		var p protocol.Error
		if !decode(env, &p) {
			return
		}
		log.Warn().Str("module", "app.engine").Str("message", p.Message).Msg("backend error")
		e.bus.Publish(core.Event{Kind: core.KindError, Message: p.Message})

	case protocol.EventCallIncoming:
		var p protocol.CallIncoming
		if !decode(env, &p) {
			return
		}
		// The backend echoes the incoming notice to the initiator as the
		// ring acknowledgement; route by who started the call.
		if p.InitiatorID == e.self.ID {
			e.Calls.HandleRingAck(p)
		} else {
			e.Calls.HandleIncoming(p)
		}

	case protocol.EventCallAccept:
		var p protocol.CallControl
		if !decode(env, &p) {
			return
		}
		e.Calls.HandleAccepted(e.ctx, p.CallID)

	case protocol.EventCallReject:
		var p protocol.CallControl
		if !decode(env, &p) {
			return
		}
		e.Calls.HandleRejected(p.CallID)

	case protocol.EventCallEnd:
		var p protocol.CallControl
		if !decode(env, &p) {
			return
		}
		e.Calls.HandleEnded(p.CallID)

	case protocol.EventCallOffer:
		var p protocol.CallOffer
		if !decode(env, &p) {
			return
		}
		e.Calls.HandleOffer(p)

	case protocol.EventCallAnswer:
		var p protocol.CallAnswer
		if !decode(env, &p) {
			return
		}
		e.Calls.HandleAnswer(p)

	case protocol.EventCallICECandidate:
		var p protocol.CallICECandidate
		if !decode(env, &p) {
			return
		}
		e.Calls.HandleCandidate(p)

	default:
		log.Warn().Str("module", "app.engine").Str("event", string(env.Event)).Msg("unknown event")
	}
}

func decode(env protocol.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Warn().Err(err).Str("module", "app.engine").Str("event", string(env.Event)).Msg("bad payload")
		return false
	}
	return true
}
