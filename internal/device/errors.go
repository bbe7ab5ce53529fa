package device

import "errors"

// Domain errors for the device package.
var (
	// ErrDeviceNotFound is returned when no device has the requested identity.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnknownDomain is returned when a caller names a domain the manager
	// was not configured with.
	ErrUnknownDomain = errors.New("device: unknown domain")

	// ErrInvalidIdentity is returned when an identity string cannot be parsed.
	ErrInvalidIdentity = errors.New("device: invalid identity")

	// ErrInvalidRequest is returned for malformed call payloads.
	ErrInvalidRequest = errors.New("device: invalid request")

	// ErrUnsupportedOp is returned when a driver does not implement an op.
	ErrUnsupportedOp = errors.New("device: unsupported operation")

	// ErrReplyTimeout is returned when a device did not answer in time.
	ErrReplyTimeout = errors.New("device: reply timeout")

	// ErrVersionGated is returned by drivers standing in for devices whose
	// firmware is incompatible.
	ErrVersionGated = errors.New("device: firmware version incompatible")

	// ErrUpdateInProgress is returned when a firmware upload is already running.
	ErrUpdateInProgress = errors.New("device: firmware update in progress")

	// ErrFirmwareRejected is returned when the device refuses a firmware block.
	ErrFirmwareRejected = errors.New("device: firmware block rejected")

	// ErrAddressUnknown is returned when a device has not reported its bus
	// address or serial yet.
	ErrAddressUnknown = errors.New("device: address unknown")
)
