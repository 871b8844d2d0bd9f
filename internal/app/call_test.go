package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/domain"
	"github.com/parley-app/parley/internal/protocol"
)

type callHarness struct {
	transport *fakeTransport
	peers     *fakeFactory
	media     *fakeMedia
	bus       *core.Bus
	mgr       *CallManager
}

func newCallHarness(t *testing.T, self domain.User, ringTimeout time.Duration) *callHarness {
	t.Helper()
	h := &callHarness{
		transport: newFakeTransport(),
		peers:     &fakeFactory{},
		media:     &fakeMedia{},
		bus:       core.NewBus(),
	}
	h.mgr = NewCallManager(h.transport, h.peers, h.media, h.bus, self, ringTimeout)
	t.Cleanup(h.bus.Close)
	return h
}

func (h *callHarness) lastFrame(t *testing.T, event protocol.EventType) sentFrame {
	t.Helper()
	frames := h.transport.frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i]
		}
	}
	t.Fatalf("no %q frame emitted, got %v", event, h.transport.events())
	return sentFrame{}
}

func rawCandidate(t *testing.T, s string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(webrtc.ICECandidateInit{Candidate: s})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

var (
	alice = domain.User{ID: "u-alice", Username: "alice"}
	bob   = domain.User{ID: "u-bob", Username: "bob"}
)

func TestInitiateRejectedWhileCallExists(t *testing.T) {
	h := newCallHarness(t, alice, 0)
	ctx := context.Background()

	if err := h.mgr.Initiate(ctx, bob.ID, "ch-1"); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	before, _ := h.mgr.Session()

	if err := h.mgr.Initiate(ctx, "u-carol", "ch-1"); !errors.Is(err, core.ErrCallInProgress) {
		t.Fatalf("second initiate err = %v, want ErrCallInProgress", err)
	}
	after, ok := h.mgr.Session()
	if !ok || after != before {
		t.Fatalf("active session mutated by rejected initiate: %+v != %+v", after, before)
	}
	if n := h.transport.countEvent(protocol.EventCallInitiate); n != 1 {
		t.Fatalf("initiate frames = %d, want 1", n)
	}
}

func TestInitiateRequiresConnection(t *testing.T) {
	h := newCallHarness(t, alice, 0)
	h.transport.setState(core.Disconnected)

	if err := h.mgr.Initiate(context.Background(), bob.ID, "ch-1"); !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if len(h.transport.frames()) != 0 {
		t.Fatalf("frames emitted while disconnected: %v", h.transport.events())
	}
}

func TestInitiateMediaFailureStaysIdle(t *testing.T) {
	h := newCallHarness(t, alice, 0)
	h.media.acquireErr = core.ErrMediaUnavailable

	err := h.mgr.Initiate(context.Background(), bob.ID, "ch-1")
	if !errors.Is(err, core.ErrMediaUnavailable) {
		t.Fatalf("err = %v, want ErrMediaUnavailable", err)
	}
	if _, ok := h.mgr.Session(); ok {
		t.Fatal("session exists after media failure")
	}
	if len(h.transport.frames()) != 0 {
		t.Fatalf("remote side effects after media failure: %v", h.transport.events())
	}
}

func TestIncomingWhileBusyIsRejectedOnWire(t *testing.T) {
	h := newCallHarness(t, alice, 0)
	if err := h.mgr.Initiate(context.Background(), bob.ID, "ch-1"); err != nil {
		t.Fatal(err)
	}
	before, _ := h.mgr.Session()

	h.mgr.HandleIncoming(protocol.CallIncoming{
		CallID:      "c-other",
		InitiatorID: "u-carol",
		ChannelID:   "ch-2",
	})

	frame := h.lastFrame(t, protocol.EventCallReject)
	if got := frame.Payload.(protocol.CallControl).CallID; got != "c-other" {
		t.Fatalf("rejected call id = %q, want c-other", got)
	}
	after, ok := h.mgr.Session()
	if !ok || after != before {
		t.Fatalf("busy reject touched the active session: %+v", after)
	}
}

func TestAcceptMediaFailureReturnsIdle(t *testing.T) {
	h := newCallHarness(t, bob, 0)
	h.mgr.HandleIncoming(protocol.CallIncoming{
		CallID:      "c-1",
		InitiatorID: alice.ID,
		ChannelID:   "ch-1",
	})
	h.media.acquireErr = core.ErrMediaPermission

	err := h.mgr.Accept(context.Background())
	if !errors.Is(err, core.ErrMediaPermission) {
		t.Fatalf("err = %v, want ErrMediaPermission", err)
	}
	if _, ok := h.mgr.Session(); ok {
		t.Fatal("session survives failed accept")
	}
	if n := h.transport.countEvent(protocol.EventCallAccept); n != 0 {
		t.Fatalf("accept reached the wire despite media failure")
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newCallHarness(t, bob, 0)
	h.mgr.HandleIncoming(protocol.CallIncoming{
		CallID:      "c-1",
		InitiatorID: alice.ID,
		ChannelID:   "ch-1",
	})
	if err := h.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	link := h.peers.last()
	if link == nil {
		t.Fatal("no peer link created")
	}

	for _, c := range []string{"cand-0", "cand-1", "cand-2"} {
		h.mgr.HandleCandidate(protocol.CallICECandidate{CallID: "c-1", Candidate: rawCandidate(t, c)})
	}
	if got := len(link.appliedCandidates()); got != 0 {
		t.Fatalf("%d candidates applied before the offer", got)
	}

	h.mgr.HandleOffer(protocol.CallOffer{CallID: "c-1", Offer: "v=0 offer"})

	applied := link.appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("applied %d candidates, want 3", len(applied))
	}
	for i, want := range []string{"cand-0", "cand-1", "cand-2"} {
		if applied[i].Candidate != want {
			t.Fatalf("candidate %d = %q, want %q", i, applied[i].Candidate, want)
		}
	}

	// After the description is set new candidates apply directly.
	h.mgr.HandleCandidate(protocol.CallICECandidate{CallID: "c-1", Candidate: rawCandidate(t, "cand-3")})
	applied = link.appliedCandidates()
	if len(applied) != 4 || applied[3].Candidate != "cand-3" {
		t.Fatalf("late candidate not applied directly: %v", applied)
	}
}

func TestCandidateForUnknownCallDropped(t *testing.T) {
	h := newCallHarness(t, bob, 0)
	h.mgr.HandleIncoming(protocol.CallIncoming{CallID: "c-1", InitiatorID: alice.ID, ChannelID: "ch-1"})
	if err := h.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.mgr.HandleCandidate(protocol.CallICECandidate{CallID: "c-orphan", Candidate: rawCandidate(t, "stray")})
	h.mgr.HandleOffer(protocol.CallOffer{CallID: "c-1", Offer: "v=0 offer"})

	for _, c := range h.peers.last().appliedCandidates() {
		if c.Candidate == "stray" {
			t.Fatal("candidate of a foreign call crossed into the session")
		}
	}
}

func TestRecipientActiveAfterOfferAnswered(t *testing.T) {
	h := newCallHarness(t, bob, 0)
	h.mgr.HandleIncoming(protocol.CallIncoming{CallID: "c-1", InitiatorID: alice.ID, ChannelID: "ch-1"})
	if err := h.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.mgr.HandleOffer(protocol.CallOffer{CallID: "c-1", Offer: "v=0 offer"})

	frame := h.lastFrame(t, protocol.EventCallAnswer)
	if frame.Payload.(protocol.CallAnswer).CallID != "c-1" {
		t.Fatal("answer carries wrong call id")
	}
	sess, ok := h.mgr.Session()
	if !ok || sess.State != domain.CallActive {
		t.Fatalf("state = %v, want active", sess.State)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	h := newCallHarness(t, bob, 0)
	h.mgr.HandleIncoming(protocol.CallIncoming{CallID: "c-1", InitiatorID: alice.ID, ChannelID: "ch-1"})
	if err := h.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.mgr.HandleOffer(protocol.CallOffer{CallID: "c-1", Offer: "v=0 offer"})

	h.mgr.End()
	h.mgr.End()

	if n := h.transport.countEvent(protocol.EventCallEnd); n != 1 {
		t.Fatalf("end frames = %d, want 1", n)
	}
	if _, ok := h.mgr.Session(); ok {
		t.Fatal("session survives End")
	}
	if h.media.releaseCount() == 0 {
		t.Fatal("media never released")
	}
	if h.peers.last().closeCount == 0 {
		t.Fatal("peer link never closed")
	}
}

func TestRejectOnlyFromRinging(t *testing.T) {
	h := newCallHarness(t, bob, 0)
	if err := h.mgr.Reject(); !errors.Is(err, core.ErrNoActiveCall) {
		t.Fatalf("reject without call err = %v, want ErrNoActiveCall", err)
	}

	h.mgr.HandleIncoming(protocol.CallIncoming{CallID: "c-1", InitiatorID: alice.ID, ChannelID: "ch-1"})
	if err := h.mgr.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if h.transport.countEvent(protocol.EventCallReject) != 1 {
		t.Fatal("reject never reached the wire")
	}
	if _, ok := h.mgr.Session(); ok {
		t.Fatal("session survives Reject")
	}
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	h := newCallHarness(t, alice, 20*time.Millisecond)
	if err := h.mgr.Initiate(context.Background(), bob.ID, "ch-1"); err != nil {
		t.Fatal(err)
	}
	h.mgr.HandleRingAck(protocol.CallIncoming{CallID: "c-1", InitiatorID: alice.ID, ChannelID: "ch-1"})

	deadline := time.After(time.Second)
	for {
		if _, ok := h.mgr.Session(); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("ring timeout never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	frame := h.lastFrame(t, protocol.EventCallEnd)
	if frame.Payload.(protocol.CallControl).CallID != "c-1" {
		t.Fatal("timeout ended the wrong call")
	}
}

func TestAcceptCancelsRingTimeout(t *testing.T) {
	h := newCallHarness(t, alice, 30*time.Millisecond)
	if err := h.mgr.Initiate(context.Background(), bob.ID, "ch-1"); err != nil {
		t.Fatal(err)
	}
	h.mgr.HandleRingAck(protocol.CallIncoming{CallID: "c-1", InitiatorID: alice.ID, ChannelID: "ch-1"})
	h.mgr.HandleAccepted(context.Background(), "c-1")

	time.Sleep(80 * time.Millisecond)
	if _, ok := h.mgr.Session(); !ok {
		t.Fatal("ring timeout fired after accept")
	}
	if h.transport.countEvent(protocol.EventCallEnd) != 0 {
		t.Fatal("timeout hangup emitted after accept")
	}
}

func TestTransportDownEndsLiveCall(t *testing.T) {
	h := newCallHarness(t, bob, 0)
	h.mgr.HandleIncoming(protocol.CallIncoming{CallID: "c-1", InitiatorID: alice.ID, ChannelID: "ch-1"})
	if err := h.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.mgr.HandleOffer(protocol.CallOffer{CallID: "c-1", Offer: "v=0 offer"})

	h.mgr.HandleTransportDown()
	if _, ok := h.mgr.Session(); ok {
		t.Fatal("call survives transport drop")
	}
	if h.media.releaseCount() == 0 {
		t.Fatal("media held after transport drop")
	}

	// No call, nothing to do.
	h.mgr.HandleTransportDown()
}

func TestTogglesRequireLocalMedia(t *testing.T) {
	h := newCallHarness(t, bob, 0)
	if _, err := h.mgr.ToggleVideo(); !errors.Is(err, core.ErrNoActiveCall) {
		t.Fatalf("toggle video err = %v, want ErrNoActiveCall", err)
	}
	if _, err := h.mgr.ToggleAudio(); !errors.Is(err, core.ErrNoActiveCall) {
		t.Fatalf("toggle audio err = %v, want ErrNoActiveCall", err)
	}

	h.mgr.HandleIncoming(protocol.CallIncoming{CallID: "c-1", InitiatorID: alice.ID, ChannelID: "ch-1"})
	if err := h.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	on, err := h.mgr.ToggleVideo()
	if err != nil || on {
		t.Fatalf("first video toggle = (%v, %v), want (false, nil)", on, err)
	}
	on, err = h.mgr.ToggleVideo()
	if err != nil || !on {
		t.Fatalf("second video toggle = (%v, %v), want (true, nil)", on, err)
	}
}

// routeCall shuttles signaling frames between two managers the way the
// backend would, assigning the call id on initiate.
func routeCall(t *testing.T, callID domain.CallID, from, to *callHarness, cursor *int) {
	t.Helper()
	ctx := context.Background()
	frames := from.transport.frames()
	for ; *cursor < len(frames); *cursor++ {
		f := frames[*cursor]
		switch f.Event {
		case protocol.EventCallInitiate:
			p := f.Payload.(protocol.CallInitiate)
			inc := protocol.CallIncoming{
				CallID:            callID,
				InitiatorID:       from.mgr.self.ID,
				InitiatorUsername: from.mgr.self.Username,
				ChannelID:         p.ChannelID,
			}
			to.mgr.HandleIncoming(inc)
			from.mgr.HandleRingAck(inc)
		case protocol.EventCallAccept:
			to.mgr.HandleAccepted(ctx, f.Payload.(protocol.CallControl).CallID)
		case protocol.EventCallReject:
			to.mgr.HandleRejected(f.Payload.(protocol.CallControl).CallID)
		case protocol.EventCallEnd:
			to.mgr.HandleEnded(f.Payload.(protocol.CallControl).CallID)
		case protocol.EventCallOffer:
			to.mgr.HandleOffer(f.Payload.(protocol.CallOffer))
		case protocol.EventCallAnswer:
			to.mgr.HandleAnswer(f.Payload.(protocol.CallAnswer))
		case protocol.EventCallICECandidate:
			to.mgr.HandleCandidate(f.Payload.(protocol.CallICECandidate))
		}
	}
}

func TestCallFlowBetweenTwoPeers(t *testing.T) {
	a := newCallHarness(t, alice, 0)
	b := newCallHarness(t, bob, 0)
	var aCursor, bCursor int
	pump := func() {
		routeCall(t, "c-1", a, b, &aCursor)
		routeCall(t, "c-1", b, a, &bCursor)
	}

	if err := a.mgr.Initiate(context.Background(), bob.ID, "ch-1"); err != nil {
		t.Fatal(err)
	}
	pump() // initiate -> incoming + ring ack

	sess, ok := b.mgr.Session()
	if !ok || sess.State != domain.CallRinging || sess.Outgoing {
		t.Fatalf("recipient session = %+v, want ringing incoming", sess)
	}

	if err := b.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	pump() // accept -> offer
	pump() // offer -> answer
	pump() // answer applied

	for _, h := range []*callHarness{a, b} {
		sess, ok := h.mgr.Session()
		if !ok || sess.State != domain.CallActive {
			t.Fatalf("%s session = %+v, want active", h.mgr.self.Username, sess)
		}
	}

	// Trickle one candidate from the initiator's link through the wire.
	aLink := a.peers.last()
	aLink.onICE(webrtc.ICECandidateInit{Candidate: "cand-a0"})
	pump()
	applied := b.peers.last().appliedCandidates()
	if len(applied) != 1 || applied[0].Candidate != "cand-a0" {
		t.Fatalf("recipient applied = %v, want [cand-a0]", applied)
	}

	a.mgr.End()
	pump()
	if _, ok := a.mgr.Session(); ok {
		t.Fatal("initiator session survives hangup")
	}
	if _, ok := b.mgr.Session(); ok {
		t.Fatal("recipient session survives peer hangup")
	}
	if a.media.releaseCount() == 0 || b.media.releaseCount() == 0 {
		t.Fatal("media held after hangup")
	}
}

func TestCallFlowRejectedByPeer(t *testing.T) {
	a := newCallHarness(t, alice, 0)
	b := newCallHarness(t, bob, 0)
	var aCursor, bCursor int
	pump := func() {
		routeCall(t, "c-1", a, b, &aCursor)
		routeCall(t, "c-1", b, a, &bCursor)
	}

	if err := a.mgr.Initiate(context.Background(), bob.ID, "ch-1"); err != nil {
		t.Fatal(err)
	}
	pump()
	if err := b.mgr.Reject(); err != nil {
		t.Fatal(err)
	}
	pump()

	if _, ok := a.mgr.Session(); ok {
		t.Fatal("initiator session survives reject")
	}
	if _, ok := b.mgr.Session(); ok {
		t.Fatal("recipient session survives reject")
	}
	if a.media.releaseCount() == 0 {
		t.Fatal("initiator media held after reject")
	}
}
