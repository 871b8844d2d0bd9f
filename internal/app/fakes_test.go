package app

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/protocol"
)

type sentFrame struct {
	Event   protocol.EventType
	Payload any
}

// fakeTransport records emissions and lets tests flip the connection state.
type fakeTransport struct {
	mu      sync.Mutex
	state   core.ConnState
	sent    []sentFrame
	handler func(protocol.Envelope)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: core.Connected}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = core.Connected
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = core.Disconnected
}

func (t *fakeTransport) State() core.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Send(event protocol.EventType, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != core.Connected {
		return core.ErrNotConnected
	}
	t.sent = append(t.sent, sentFrame{Event: event, Payload: payload})
	return nil
}

func (t *fakeTransport) SetHandler(h func(protocol.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *fakeTransport) setState(s core.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *fakeTransport) frames() []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentFrame, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) events() []protocol.EventType {
	frames := t.frames()
	out := make([]protocol.EventType, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func (t *fakeTransport) countEvent(event protocol.EventType) int {
	n := 0
	for _, e := range t.events() {
		if e == event {
			n++
		}
	}
	return n
}

// fakeLink is a scriptable core.PeerLink.
type fakeLink struct {
	mu         sync.Mutex
	started    bool
	closeCount int
	tracks     []webrtc.TrackLocal
	applied    []webrtc.ICECandidateInit
	remote     string

	offerSDP  string
	answerSDP string
	offerErr  error
	answerErr error
	applyErr  error

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(track *webrtc.TrackRemote)
	onClosed func()
}

func newFakeLink() *fakeLink {
	return &fakeLink{offerSDP: "v=0 offer", answerSDP: "v=0 answer"}
}

func (l *fakeLink) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeCount++
}

func (l *fakeLink) AddLocalTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks = append(l.tracks, track)
	return nil
}

func (l *fakeLink) CreateAndSetOffer() (string, error) {
	if l.offerErr != nil {
		return "", l.offerErr
	}
	return l.offerSDP, nil
}

func (l *fakeLink) ApplyOfferAndCreateAnswer(offer string) (string, error) {
	if l.answerErr != nil {
		return "", l.answerErr
	}
	l.mu.Lock()
	l.remote = offer
	l.mu.Unlock()
	return l.answerSDP, nil
}

func (l *fakeLink) ApplyAnswer(answer string) error {
	if l.applyErr != nil {
		return l.applyErr
	}
	l.mu.Lock()
	l.remote = answer
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, candidate)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *fakeLink) OnTrack(fn func(track *webrtc.TrackRemote))      { l.onTrack = fn }
func (l *fakeLink) OnClosed(fn func())                              { l.onClosed = fn }

func (l *fakeLink) appliedCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(l.applied))
	copy(out, l.applied)
	return out
}

type fakeFactory struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
}

func (f *fakeFactory) NewPeerLink() (core.PeerLink, error) {
	if f.err != nil {
		return nil, f.err
	}
	link := newFakeLink()
	f.mu.Lock()
	f.links = append(f.links, link)
	f.mu.Unlock()
	return link, nil
}

func (f *fakeFactory) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

// fakeHandle is a local capture stand-in.
type fakeHandle struct {
	mu      sync.Mutex
	video   bool
	audio   bool
	stopped int
}

func newFakeHandle() *fakeHandle { return &fakeHandle{video: true, audio: true} }

func (h *fakeHandle) Tracks() []webrtc.TrackLocal { return nil }

func (h *fakeHandle) SetVideo(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.video = enabled
}

func (h *fakeHandle) SetAudio(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = enabled
}

func (h *fakeHandle) VideoOn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.video
}

func (h *fakeHandle) AudioOn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audio
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
}

type fakeMedia struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
	handles    []*fakeHandle
	remote     core.MediaHandle
}

func (m *fakeMedia) Acquire(ctx context.Context) (core.MediaHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.acquired++
	h := newFakeHandle()
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *fakeMedia) BindRemote(h core.MediaHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = h
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	m.remote = nil
	for _, h := range m.handles {
		h.Stop()
	}
	m.handles = nil
}

func (m *fakeMedia) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
