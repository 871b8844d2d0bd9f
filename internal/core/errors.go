package core

import "errors"

var (
	// ErrNoCredential indicates connect was attempted without an access token.
	// This is a configuration fault and is never retried.
	ErrNoCredential = errors.New("no access credential")

	// ErrNotConnected indicates an emit was attempted while the gateway is down.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost is the terminal error after the reconnect cap.
	ErrConnectionLost = errors.New("connection lost")

	// ErrBackpressure indicates the outbound buffer is full.
	ErrBackpressure = errors.New("backpressure")

	// ErrCallInProgress indicates a call session is already active.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrNoActiveCall indicates the operation needs a live call session.
	ErrNoActiveCall = errors.New("no active call")

	// ErrConnectionFailed indicates the peer connection was lost or failed.
	ErrConnectionFailed = errors.New("peer connection failed")

	// ErrMediaUnavailable indicates no capture device could be opened.
	ErrMediaUnavailable = errors.New("media device unavailable")

	// ErrMediaPermission indicates capture was denied by the platform.
	ErrMediaPermission = errors.New("media permission denied")

	// ErrClosed indicates the component has been shut down.
	ErrClosed = errors.New("closed")
)
