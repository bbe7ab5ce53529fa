package canbus

import "errors"

// Domain errors for the CAN bus bridge package.
var (
	// ErrNotConnected is returned when the daemon connection is down.
	ErrNotConnected = errors.New("canbus: not connected to bridge daemon")

	// ErrConnectionFailed is returned when dialling or the open handshake fails.
	ErrConnectionFailed = errors.New("canbus: connection to bridge daemon failed")

	// ErrSendFailed is returned when a frame could not be written.
	ErrSendFailed = errors.New("canbus: frame send failed")

	// ErrProtocolDesync is returned when the daemon stream can no longer be
	// framed. The connection is closed and re-established.
	ErrProtocolDesync = errors.New("canbus: protocol desync")

	// ErrInvalidMessage is returned for malformed daemon messages.
	ErrInvalidMessage = errors.New("canbus: invalid daemon message")
)
