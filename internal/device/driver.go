package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// Device classes reported by the wrapper drivers.
const (
	ClassFirmwareUpgrade = "FirmwareUpgrade"
	ClassVersionGated    = "VersionGated"
)

// Driver is the per-device capability set stored in the registry.
type Driver interface {
	// Handle is given every frame seen on the device's domain, including
	// frames addressed to other devices.
	Handle(ctx context.Context, id frame.MessageID, msg frame.Tagged) error

	// Call performs an opaque remote call.
	Call(ctx context.Context, req json.RawMessage) (json.RawMessage, error)

	// DeviceClass names the kind of driver, for presentation layers.
	DeviceClass() string
}

// Sender transmits frames on one domain.
type Sender interface {
	Send(ctx context.Context, msg frame.Tagged) error
}

// Builder constructs the driver of a device running application firmware.
// It runs with the registry locked and must not wait for bus replies.
type Builder func(link *Link, info *InfoCell) Driver

// Model describes how to drive one product.
type Model struct {
	ID    frame.ModelID
	Class string

	// FlashBlockSize is the number of image bytes sent per firmware frame.
	FlashBlockSize int

	Build Builder

	// Compatible reports whether a firmware version speaks the protocol
	// Build expects. Nil accepts every version.
	Compatible func(version string) bool

	// Requirement describes the accepted versions, e.g. "v2.x".
	Requirement string
}

// Catalogue resolves announced model ids.
type Catalogue interface {
	Lookup(id frame.ModelID) (Model, bool)
}

// Request is the envelope shared by every call payload.
type Request struct {
	Op string `json:"op"`
}

// DecodeRequest unmarshals a call payload into v and returns its op.
// v may be nil when only the op is needed.
func DecodeRequest(req json.RawMessage, v any) (string, error) {
	var r Request
	if err := json.Unmarshal(req, &r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Op == "" {
		return "", fmt.Errorf("%w: missing op", ErrInvalidRequest)
	}
	if v != nil {
		if err := json.Unmarshal(req, v); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return r.Op, nil
}

// Reply marshals a call result.
func Reply(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	return data, nil
}
