// Package rtc owns the WebRTC engine: peer connections for call signaling
// and the local capture / remote stream handles bound into a call.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/core"
)

type Config struct {
	STUNServers  []string
	VideoBitrate int
}

func (c *Config) defaults() {
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.VideoBitrate <= 0 {
		c.VideoBitrate = 1_500_000
	}
}

// acquireFunc is the platform capture entry point; see media_linux.go and
// media_other.go.
type acquireFunc func(ctx context.Context) (core.MediaHandle, error)

// Engine implements core.PeerFactory and core.MediaManager on pion.
type Engine struct {
	conf    webrtc.Configuration
	api     *webrtc.API
	acquire acquireFunc

	mu     sync.Mutex
	local  core.MediaHandle
	remote core.MediaHandle
}

func New(cfg Config) (*Engine, error) {
	cfg.defaults()
	api, acquire, err := newPlatformAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		conf: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
		},
		api:     api,
		acquire: acquire,
	}, nil
}

func (e *Engine) NewPeerLink() (core.PeerLink, error) {
	pc, err := e.api.NewPeerConnection(e.conf)
	if err != nil {
		return nil, err
	}
	return newPeerLink(pc), nil
}

// Acquire opens local audio+video capture and records the handle so a later
// Release covers it.
func (e *Engine) Acquire(ctx context.Context) (core.MediaHandle, error) {
	handle, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.local != nil {
		e.local.Stop()
	}
	e.local = handle
	e.mu.Unlock()
	return handle, nil
}

// BindRemote attaches an inbound stream; the renegotiation case replaces and
// releases the previous one first.
func (e *Engine) BindRemote(h core.MediaHandle) {
	e.mu.Lock()
	prev := e.remote
	e.remote = h
	e.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}

// Release stops all local tracks and clears the remote reference. No-op when
// already released.
func (e *Engine) Release() {
	e.mu.Lock()
	local, remote := e.local, e.remote
	e.local, e.remote = nil, nil
	e.mu.Unlock()

	if local == nil && remote == nil {
		return
	}
	if local != nil {
		local.Stop()
	}
	if remote != nil {
		remote.Stop()
	}
	log.Info().Str("module", "rtc").Msg("media released")
}
