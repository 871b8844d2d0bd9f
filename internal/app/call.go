package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/domain"
	"github.com/parley-app/parley/internal/protocol"
)

// CallManager drives the single call session a process may run. All remote
// input funnels through the Handle* methods; all of them drop signals whose
// call id does not match the current session.
type CallManager struct {
	mu        sync.Mutex
	transport core.Transport
	peers     core.PeerFactory
	media     core.MediaManager
	bus       *core.Bus
	self      domain.User

	// RingTimeout > 0 ends an unanswered outgoing call; zero keeps the
	// source behavior of indefinite ringing.
	ringTimeout time.Duration

	sess      *domain.CallSession
	link      core.PeerLink
	local     core.MediaHandle
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	ringTimer *time.Timer

	// gen guards asynchronously delivered results: a completion whose
	// generation no longer matches belongs to a torn-down call.
	gen uint64
}

func NewCallManager(
	t core.Transport,
	peers core.PeerFactory,
	media core.MediaManager,
	bus *core.Bus,
	self domain.User,
	ringTimeout time.Duration,
) *CallManager {
	return &CallManager{
		transport:   t,
		peers:       peers,
		media:       media,
		bus:         bus,
		self:        self,
		ringTimeout: ringTimeout,
	}
}

// Session returns a copy of the current call session, if any.
func (m *CallManager) Session() (domain.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return domain.CallSession{}, false
	}
	return *m.sess, true
}

// Initiate starts an outgoing call. Rejected while another session exists.
// Local media is acquired before anything reaches the wire, so an acquire
// failure leaves the remote peer untouched.
func (m *CallManager) Initiate(ctx context.Context, recipientID domain.UserID, channelID domain.ChannelID) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return core.ErrCallInProgress
	}
	if m.transport.State() != core.Connected {
		m.mu.Unlock()
		return core.ErrNotConnected
	}
	gen := m.gen
	m.mu.Unlock()

	handle, err := m.media.Acquire(ctx)
	if err != nil {
		m.bus.PublishError(err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.sess != nil {
		// The process moved on while we were acquiring; discard.
		m.mu.Unlock()
		handle.Stop()
		return core.ErrCallInProgress
	}
	m.local = handle
	m.sess = &domain.CallSession{
		InitiatorID: m.self.ID,
		Initiator:   m.self.Username,
		RecipientID: recipientID,
		ChannelID:   channelID,
		Outgoing:    true,
		State:       domain.CallInitiated,
	}
	m.publishStateLocked()
	m.mu.Unlock()

	err = m.transport.Send(protocol.EventCallInitiate, protocol.CallInitiate{
		RecipientID: recipientID,
		ChannelID:   channelID,
	})
	if err != nil {
		m.bus.PublishError(err)
		m.teardown()
		return err
	}
	log.Info().Str("module", "app.call").Str("recipient", string(recipientID)).Msg("call initiated")
	return nil
}

// HandleRingAck is the backend's acknowledgement of our initiate: it assigns
// the call id and means the recipient is now ringing.
func (m *CallManager) HandleRingAck(inc protocol.CallIncoming) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || !m.sess.Outgoing || m.sess.State != domain.CallInitiated {
		log.Warn().Str("module", "app.call").Str("call", string(inc.CallID)).Msg("unexpected ring ack, dropping")
		return
	}
	m.sess.ID = inc.CallID
	m.sess.State = domain.CallRinging
	m.publishStateLocked()

	if m.ringTimeout > 0 {
		gen := m.gen
		m.ringTimer = time.AfterFunc(m.ringTimeout, func() {
			m.onRingTimeout(gen)
		})
	}
}

func (m *CallManager) onRingTimeout(gen uint64) {
	m.mu.Lock()
	expired := m.gen == gen && m.sess != nil && m.sess.State == domain.CallRinging
	m.mu.Unlock()
	if !expired {
		return
	}
	log.Info().Str("module", "app.call").Msg("ring timeout")
	m.End()
}

// HandleIncoming presents an inbound call. A second incoming call while one
// session exists is rejected on the wire without touching the session.
func (m *CallManager) HandleIncoming(inc protocol.CallIncoming) {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		log.Info().Str("module", "app.call").Str("call", string(inc.CallID)).Msg("busy, rejecting incoming call")
		if err := m.transport.Send(protocol.EventCallReject, protocol.CallControl{CallID: inc.CallID}); err != nil {
			log.Warn().Err(err).Str("module", "app.call").Msg("busy reject emit failed")
		}
		return
	}
	m.sess = &domain.CallSession{
		ID:          inc.CallID,
		InitiatorID: inc.InitiatorID,
		Initiator:   inc.InitiatorUsername,
		RecipientID: m.self.ID,
		ChannelID:   inc.ChannelID,
		Outgoing:    false,
		State:       domain.CallRinging,
	}
	m.publishStateLocked()
	m.mu.Unlock()

	m.bus.Publish(core.Event{Kind: core.KindCallIncoming, Payload: inc})
}

// Accept answers the ringing incoming call: acquire media, then tell the
// initiator. The offer arrives from the peer afterwards.
func (m *CallManager) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.sess == nil || m.sess.Outgoing || m.sess.State != domain.CallRinging {
		m.mu.Unlock()
		return core.ErrNoActiveCall
	}
	gen := m.gen
	callID := m.sess.ID
	m.mu.Unlock()

	handle, err := m.media.Acquire(ctx)
	if err != nil {
		// Abort without side effects on the remote peer; it keeps ringing
		// until an explicit reject.
		m.bus.PublishError(err)
		m.teardown()
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.sess == nil || m.sess.ID != callID {
		m.mu.Unlock()
		handle.Stop()
		return core.ErrNoActiveCall
	}
	m.local = handle

	link, err := m.setupLinkLocked(ctx, gen)
	if err != nil {
		m.mu.Unlock()
		m.bus.PublishError(err)
		m.teardown()
		return err
	}
	m.link = link
	m.sess.State = domain.CallAccepted
	m.publishStateLocked()
	m.mu.Unlock()

	if err := m.transport.Send(protocol.EventCallAccept, protocol.CallControl{CallID: callID}); err != nil {
		m.bus.PublishError(err)
		m.teardown()
		return err
	}
	return nil
}

// Reject declines the ringing incoming call.
func (m *CallManager) Reject() error {
	m.mu.Lock()
	if m.sess == nil || m.sess.Outgoing || m.sess.State != domain.CallRinging {
		m.mu.Unlock()
		return core.ErrNoActiveCall
	}
	callID := m.sess.ID
	m.mu.Unlock()

	if err := m.transport.Send(protocol.EventCallReject, protocol.CallControl{CallID: callID}); err != nil {
		log.Warn().Err(err).Str("module", "app.call").Msg("reject emit failed")
	}
	m.teardown()
	return nil
}

// End hangs up the current call. Idempotent: a second End is a no-op.
func (m *CallManager) End() {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	callID := m.sess.ID
	m.mu.Unlock()

	if callID != "" {
		if err := m.transport.Send(protocol.EventCallEnd, protocol.CallControl{CallID: callID}); err != nil {
			log.Warn().Err(err).Str("module", "app.call").Msg("end emit failed")
		}
	}
	m.teardown()
}

// HandleAccepted moves the initiator forward: build the peer link, bind
// local media and emit the single offer of the call.
func (m *CallManager) HandleAccepted(ctx context.Context, callID domain.CallID) {
	m.mu.Lock()
	if !m.matchLocked(callID) || !m.sess.Outgoing || m.sess.State != domain.CallRinging {
		m.mu.Unlock()
		log.Warn().Str("module", "app.call").Str("call", string(callID)).Msg("unexpected accept, dropping")
		return
	}
	m.stopRingTimerLocked()
	gen := m.gen

	link, err := m.setupLinkLocked(ctx, gen)
	if err != nil {
		m.mu.Unlock()
		m.failSignaling(err)
		return
	}
	m.link = link
	m.sess.State = domain.CallAccepted
	m.publishStateLocked()
	channelID := m.sess.ChannelID
	m.mu.Unlock()

	offer, err := link.CreateAndSetOffer()
	if err != nil {
		m.failSignaling(err)
		return
	}
	err = m.transport.Send(protocol.EventCallOffer, protocol.CallOffer{
		CallID:      callID,
		InitiatorID: m.self.ID,
		ChannelID:   channelID,
		Offer:       offer,
	})
	if err != nil {
		m.failSignaling(err)
	}
}

// HandleOffer applies the remote offer on the recipient side, answers, and
// flushes any candidates that raced ahead of the description.
func (m *CallManager) HandleOffer(p protocol.CallOffer) {
	m.mu.Lock()
	if !m.matchLocked(p.CallID) || m.sess.Outgoing || m.link == nil {
		m.mu.Unlock()
		log.Warn().Str("module", "app.call").Str("call", string(p.CallID)).Msg("offer for unknown call, dropping")
		return
	}
	link := m.link
	m.mu.Unlock()

	answer, err := link.ApplyOfferAndCreateAnswer(p.Offer)
	if err != nil {
		m.failSignaling(err)
		return
	}
	m.flushPending(p.CallID, link)

	err = m.transport.Send(protocol.EventCallAnswer, protocol.CallAnswer{
		CallID:      p.CallID,
		RecipientID: m.self.ID,
		Answer:      answer,
	})
	if err != nil {
		m.failSignaling(err)
		return
	}
	m.markActive(p.CallID)
}

// HandleAnswer applies the remote answer on the initiator side.
func (m *CallManager) HandleAnswer(p protocol.CallAnswer) {
	m.mu.Lock()
	if !m.matchLocked(p.CallID) || !m.sess.Outgoing || m.link == nil {
		m.mu.Unlock()
		log.Warn().Str("module", "app.call").Str("call", string(p.CallID)).Msg("answer for unknown call, dropping")
		return
	}
	link := m.link
	m.mu.Unlock()

	if err := link.ApplyAnswer(p.Answer); err != nil {
		m.failSignaling(err)
		return
	}
	m.flushPending(p.CallID, link)
	m.markActive(p.CallID)
}

// HandleCandidate applies a remote ICE candidate, buffering it when the
// remote description is not set yet. This is the sole reorder buffer in the
// whole core.
func (m *CallManager) HandleCandidate(p protocol.CallICECandidate) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &candidate); err != nil {
		log.Warn().Err(err).Str("module", "app.call").Msg("malformed candidate, dropping")
		return
	}

	m.mu.Lock()
	if !m.matchLocked(p.CallID) {
		m.mu.Unlock()
		log.Warn().Str("module", "app.call").Str("call", string(p.CallID)).Msg("candidate for unknown call, dropping")
		return
	}
	if !m.remoteSet || m.link == nil {
		m.pending = append(m.pending, candidate)
		m.mu.Unlock()
		return
	}
	link := m.link
	m.mu.Unlock()

	if err := link.AddICECandidate(candidate); err != nil {
		log.Warn().Err(err).Str("module", "app.call").Msg("candidate apply failed")
	}
}

// HandleRejected processes the peer declining our call.
func (m *CallManager) HandleRejected(callID domain.CallID) {
	m.mu.Lock()
	if !m.matchLocked(callID) {
		m.mu.Unlock()
		log.Warn().Str("module", "app.call").Str("call", string(callID)).Msg("reject for unknown call, dropping")
		return
	}
	m.sess.State = domain.CallRejected
	m.publishStateLocked()
	m.mu.Unlock()
	m.teardown()
}

// HandleEnded processes the peer hanging up.
func (m *CallManager) HandleEnded(callID domain.CallID) {
	m.mu.Lock()
	if !m.matchLocked(callID) {
		m.mu.Unlock()
		log.Warn().Str("module", "app.call").Str("call", string(callID)).Msg("end for unknown call, dropping")
		return
	}
	m.mu.Unlock()
	m.teardown()
}

// HandleTransportDown marks a live call Ended; a reconnection never
// recovers the call.
func (m *CallManager) HandleTransportDown() {
	m.mu.Lock()
	live := m.sess != nil
	m.mu.Unlock()
	if live {
		log.Info().Str("module", "app.call").Msg("transport down, ending call")
		m.teardown()
	}
}

// ToggleVideo flips the local video track flag. No renegotiation.
func (m *CallManager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return false, core.ErrNoActiveCall
	}
	next := !m.local.VideoOn()
	m.local.SetVideo(next)
	return next, nil
}

// ToggleAudio flips the local audio track flag. No renegotiation.
func (m *CallManager) ToggleAudio() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return false, core.ErrNoActiveCall
	}
	next := !m.local.AudioOn()
	m.local.SetAudio(next)
	return next, nil
}

// setupLinkLocked builds the peer link for the current call and wires its
// callbacks; the generation guard discards late callbacks from a dead call.
func (m *CallManager) setupLinkLocked(ctx context.Context, gen uint64) (core.PeerLink, error) {
	link, err := m.peers.NewPeerLink()
	if err != nil {
		return nil, err
	}
	callID := m.sess.ID

	link.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		raw, err := json.Marshal(candidate)
		if err != nil {
			return
		}
		err = m.transport.Send(protocol.EventCallICECandidate, protocol.CallICECandidate{
			CallID:    callID,
			Candidate: raw,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "app.call").Msg("candidate emit failed")
		}
	})

	link.OnTrack(func(track *webrtc.TrackRemote) {
		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.media.BindRemote(remoteTrackHandle{track: track})
		m.bus.Publish(core.Event{Kind: core.KindRemoteMedia, Payload: core.RemoteMediaPayload{
			Kind:     track.Kind().String(),
			TrackID:  track.ID(),
			StreamID: track.StreamID(),
		}})
	})

	link.OnClosed(func() {
		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.failSignaling(core.ErrConnectionFailed)
	})

	if err := link.Start(ctx); err != nil {
		link.Close()
		return nil, err
	}
	if m.local != nil {
		for _, track := range m.local.Tracks() {
			if err := link.AddLocalTrack(track); err != nil {
				link.Close()
				return nil, err
			}
		}
	}
	return link, nil
}

// flushPending applies buffered candidates in original receipt order once
// the remote description is set.
func (m *CallManager) flushPending(callID domain.CallID, link core.PeerLink) {
	m.mu.Lock()
	if !m.matchLocked(callID) {
		m.mu.Unlock()
		return
	}
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, candidate := range pending {
		if err := link.AddICECandidate(candidate); err != nil {
			log.Warn().Err(err).Str("module", "app.call").Msg("buffered candidate apply failed")
		}
	}
}

func (m *CallManager) markActive(callID domain.CallID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matchLocked(callID) || m.sess.State.Terminal() {
		return
	}
	m.sess.State = domain.CallActive
	m.publishStateLocked()
	log.Info().Str("module", "app.call").Str("call", string(callID)).Msg("call active")
}

// failSignaling surfaces a recoverable signaling error and tears the call
// down the same way EndCall does.
func (m *CallManager) failSignaling(err error) {
	m.bus.PublishError(err)
	m.mu.Lock()
	callID := domain.CallID("")
	if m.sess != nil {
		callID = m.sess.ID
	}
	m.mu.Unlock()
	if callID != "" {
		if serr := m.transport.Send(protocol.EventCallEnd, protocol.CallControl{CallID: callID}); serr != nil {
			log.Warn().Err(serr).Str("module", "app.call").Msg("end emit failed")
		}
	}
	m.teardown()
}

// teardown releases everything the call holds. Harmless to call twice:
// with no session it only re-runs the idempotent media release.
func (m *CallManager) teardown() {
	m.mu.Lock()
	m.gen++
	m.stopRingTimerLocked()
	link := m.link
	m.link = nil
	m.remoteSet = false
	m.pending = nil
	m.local = nil
	sess := m.sess
	m.sess = nil
	if sess != nil && !sess.State.Terminal() {
		sess.State = domain.CallEnded
		m.bus.Publish(core.Event{
			Kind:    core.KindCallState,
			Payload: core.CallStatePayload{Call: *sess, State: sess.State.String()},
		})
	}
	m.mu.Unlock()

	if link != nil {
		link.Close()
	}
	m.media.Release()

	if sess != nil {
		// Terminal reset back to Idle.
		sess.State = domain.CallIdle
		m.bus.Publish(core.Event{
			Kind:    core.KindCallState,
			Payload: core.CallStatePayload{Call: *sess, State: sess.State.String()},
		})
	}
}

func (m *CallManager) matchLocked(callID domain.CallID) bool {
	return m.sess != nil && m.sess.ID == callID && callID != ""
}

func (m *CallManager) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *CallManager) publishStateLocked() {
	m.bus.Publish(core.Event{
		Kind:    core.KindCallState,
		Payload: core.CallStatePayload{Call: *m.sess, State: m.sess.State.String()},
	})
}

// remoteTrackHandle adapts an inbound track to the MediaHandle surface so
// the media manager can own its replacement lifecycle.
type remoteTrackHandle struct {
	track *webrtc.TrackRemote
}

func (remoteTrackHandle) Tracks() []webrtc.TrackLocal { return nil }
func (remoteTrackHandle) SetVideo(bool)               {}
func (remoteTrackHandle) SetAudio(bool)               {}
func (remoteTrackHandle) VideoOn() bool               { return true }
func (remoteTrackHandle) AudioOn() bool               { return true }
func (remoteTrackHandle) Stop()                       {}
