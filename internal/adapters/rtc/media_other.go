//go:build !linux || !cgo

package rtc

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/parley-app/parley/internal/core"
)

// newPlatformAPI builds a default-codec API. Capture is not wired on this
// platform; Acquire fails with the typed device error so callers surface it
// and stay in Idle.
func newPlatformAPI(cfg Config) (*webrtc.API, acquireFunc, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	acquire := func(ctx context.Context) (core.MediaHandle, error) {
		return nil, core.ErrMediaUnavailable
	}
	return api, acquire, nil
}
