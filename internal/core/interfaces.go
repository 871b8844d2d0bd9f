package core

import (
	"context"

	"github.com/parley-app/parley/internal/domain"
	"github.com/parley-app/parley/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// Transport abstracts the persistent backend connection for the app layer.
// The gateway adapter owns the socket; everything above it emits through
// this seam and observes through the bus.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() ConnState
	// Send frames and emits one wire event. Fails with ErrNotConnected
	// when the gateway is down; nothing is queued.
	Send(event protocol.EventType, payload any) error
}

// PeerLink wraps one WebRTC peer connection for a single call.
// Owned by the call manager; the manager must Close() it.
type PeerLink interface {
	// Start configures internal callbacks and binds the link lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops the underlying peer connection. Idempotent.
	Close()
	// AddLocalTrack attaches a local capture track before negotiation.
	AddLocalTrack(track webrtc.TrackLocal) error
	// CreateAndSetOffer produces the single local offer (initiator side).
	CreateAndSetOffer() (string, error)
	// ApplyOfferAndCreateAnswer applies the remote offer and produces the
	// single local answer (recipient side).
	ApplyOfferAndCreateAnswer(offer string) (string, error)
	// ApplyAnswer applies the remote answer (initiator side).
	ApplyAnswer(answer string) error
	// AddICECandidate applies a remote ICE candidate. The caller is
	// responsible for ordering relative to the remote description.
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote))
	// OnClosed sets a callback for transport-level teardown of the link.
	OnClosed(func())
}

// PeerFactory builds one PeerLink per call session.
type PeerFactory interface {
	NewPeerLink() (PeerLink, error)
}

// MediaHandle wraps a local or remote stream plus its track enable flags.
// Stop is idempotent.
type MediaHandle interface {
	Tracks() []webrtc.TrackLocal
	SetVideo(enabled bool)
	SetAudio(enabled bool)
	VideoOn() bool
	AudioOn() bool
	Stop()
}

// MediaManager owns capture and stream handles for the call lifecycle.
type MediaManager interface {
	// Acquire opens local audio+video capture. Fails with
	// ErrMediaUnavailable / ErrMediaPermission; never retries on its own.
	Acquire(ctx context.Context) (MediaHandle, error)
	// BindRemote attaches an inbound stream, releasing any previous one.
	BindRemote(h MediaHandle)
	// Release stops the local handle and clears the remote reference.
	// Safe to call any number of times.
	Release()
}

// Directory resolves display names for presence entries. Read-only; backed
// by the channel/group membership source outside this core.
type Directory interface {
	DisplayName(id domain.UserID) (string, bool)
}
