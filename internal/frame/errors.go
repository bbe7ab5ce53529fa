package frame

import "errors"

// Domain errors for the frame package.
var (
	// ErrInvalidFrame is returned when a payload does not match the layout
	// required by its identifier.
	ErrInvalidFrame = errors.New("frame: invalid frame")

	// ErrFieldTooLong is returned when a string field exceeds its one-byte
	// length prefix.
	ErrFieldTooLong = errors.New("frame: field too long")
)
