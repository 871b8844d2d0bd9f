//go:build linux && cgo

package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/core"
)

// newPlatformAPI builds the webrtc API with VP8+Opus codecs and returns the
// mediadevices-backed capture func (V4L2 + malgo).
func newPlatformAPI(cfg Config) (*webrtc.API, acquireFunc, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = cfg.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts: a short NAT or relay hiccup should not end
	// the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	acquire := func(ctx context.Context) (core.MediaHandle, error) {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
				c.Width = prop.Int(640)
				c.Height = prop.Int(480)
			},
			Audio: func(c *mediadevices.MediaTrackConstraints) {},
			Codec: selector,
		})
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("capture failed")
			return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
		}
		return &captureHandle{stream: stream, video: true, audio: true}, nil
	}

	return api, acquire, nil
}

// captureHandle wraps a live mediadevices stream. The enable flags are the
// call-level mute state; flipping them never renegotiates.
type captureHandle struct {
	mu      sync.Mutex
	stream  mediadevices.MediaStream
	video   bool
	audio   bool
	stopped bool
}

func (h *captureHandle) Tracks() []webrtc.TrackLocal {
	tracks := h.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

func (h *captureHandle) SetVideo(enabled bool) {
	h.mu.Lock()
	h.video = enabled
	h.mu.Unlock()
}

func (h *captureHandle) SetAudio(enabled bool) {
	h.mu.Lock()
	h.audio = enabled
	h.mu.Unlock()
}

func (h *captureHandle) VideoOn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.video
}

func (h *captureHandle) AudioOn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.audio
}

// Stop closes every capture track once.
func (h *captureHandle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	for _, t := range h.stream.GetTracks() {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("track", t.ID()).Msg("track close error")
		}
	}
}
