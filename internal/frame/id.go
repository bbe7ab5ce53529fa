package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// Identifier field widths and offsets within the 29-bit extended id.
const (
	deviceTypeShift   = 24
	manufacturerShift = 16
	apiClassShift     = 10
	apiIndexShift     = 6

	deviceTypeMask = 0x1F
	apiClassMask   = 0x3F
	apiIndexMask   = 0x0F
	deviceIDMask   = 0x3F

	// ExtendedIDMask covers every bit an extended identifier may use.
	ExtendedIDMask = 0x1FFFFFFF
)

// Well-known field values.
const (
	// DeviceIDBroadcast addresses every device on a segment.
	DeviceIDBroadcast uint8 = 0x3F

	DeviceTypeBroadcast      uint8 = 0
	DeviceTypeFirmwareUpdate uint8 = 31

	ManufacturerGrapple uint8 = 6

	APIClassDeviceInfo uint8 = 0
	APIClassFirmware   uint8 = 0
)

// Kind identifies a message variant independently of the addressed device.
type Kind struct {
	DeviceType   uint8
	Manufacturer uint8
	APIClass     uint8
	APIIndex     uint8
}

// WithDevice returns the full identifier of this kind addressed to deviceID.
func (k Kind) WithDevice(deviceID uint8) MessageID {
	return MessageID{
		DeviceType:   k.DeviceType,
		Manufacturer: k.Manufacturer,
		APIClass:     k.APIClass,
		APIIndex:     k.APIIndex,
		DeviceID:     deviceID,
	}
}

// MessageID is a decoded extended identifier.
type MessageID struct {
	DeviceType   uint8
	Manufacturer uint8
	APIClass     uint8
	APIIndex     uint8
	DeviceID     uint8
}

// ParseMessageID splits a raw extended identifier into its fields.
// Bits above the 29-bit range are ignored.
func ParseMessageID(raw uint32) MessageID {
	raw &= ExtendedIDMask
	return MessageID{
		DeviceType:   uint8((raw >> deviceTypeShift) & deviceTypeMask),
		Manufacturer: uint8(raw >> manufacturerShift),
		APIClass:     uint8((raw >> apiClassShift) & apiClassMask),
		APIIndex:     uint8((raw >> apiIndexShift) & apiIndexMask),
		DeviceID:     uint8(raw & deviceIDMask),
	}
}

// Uint32 packs the identifier. Fields wider than their slot are truncated.
func (id MessageID) Uint32() uint32 {
	return uint32(id.DeviceType&deviceTypeMask)<<deviceTypeShift |
		uint32(id.Manufacturer)<<manufacturerShift |
		uint32(id.APIClass&apiClassMask)<<apiClassShift |
		uint32(id.APIIndex&apiIndexMask)<<apiIndexShift |
		uint32(id.DeviceID&deviceIDMask)
}

// Kind drops the device address.
func (id MessageID) Kind() Kind {
	return Kind{
		DeviceType:   id.DeviceType,
		Manufacturer: id.Manufacturer,
		APIClass:     id.APIClass,
		APIIndex:     id.APIIndex,
	}
}

// IsBroadcast reports whether the identifier addresses every device.
func (id MessageID) IsBroadcast() bool {
	return id.DeviceID == DeviceIDBroadcast
}

func (id MessageID) String() string {
	return fmt.Sprintf("%08X", id.Uint32())
}

// ModelID is the product identifier a device reports in its announcement.
type ModelID uint8

// Known product models.
const (
	ModelLaserCAN    ModelID = 1
	ModelMitoCANdria ModelID = 2
	ModelFlexiCAN    ModelID = 3
)

var modelNames = map[ModelID]string{
	ModelLaserCAN:    "LaserCAN",
	ModelMitoCANdria: "MitoCANdria",
	ModelFlexiCAN:    "FlexiCAN",
}

func (m ModelID) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Model(%d)", uint8(m))
}

// MarshalText encodes the model by name where one is known.
func (m ModelID) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts a model name or the "Model(n)" form.
func (m *ModelID) UnmarshalText(text []byte) error {
	s := string(text)
	for id, name := range modelNames {
		if strings.EqualFold(name, s) {
			*m = id
			return nil
		}
	}
	if inner, ok := strings.CutPrefix(s, "Model("); ok {
		if n, err := strconv.ParseUint(strings.TrimSuffix(inner, ")"), 10, 8); err == nil {
			*m = ModelID(n)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown model %q", ErrInvalidFrame, s)
}
