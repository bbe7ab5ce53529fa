package frame

import "bytes"

// Message is one decoded payload variant.
type Message interface {
	// Kind returns the identifier fields shared by every frame of this variant.
	Kind() Kind

	clone() Message
}

// Tagged is a message together with the 6-bit device address it was sent
// from or is addressed to.
type Tagged struct {
	DeviceID uint8
	Msg      Message
}

// ID returns the full identifier of the frame.
func (t Tagged) ID() MessageID {
	return t.Msg.Kind().WithDevice(t.DeviceID)
}

// Clone returns a copy that shares no mutable state with t.
func (t Tagged) Clone() Tagged {
	if t.Msg == nil {
		return t
	}
	return Tagged{DeviceID: t.DeviceID, Msg: t.Msg.clone()}
}

var (
	kindEnumerateRequest  = Kind{DeviceTypeBroadcast, ManufacturerGrapple, APIClassDeviceInfo, 0}
	kindEnumerateResponse = Kind{DeviceTypeBroadcast, ManufacturerGrapple, APIClassDeviceInfo, 1}
	kindBlink             = Kind{DeviceTypeBroadcast, ManufacturerGrapple, APIClassDeviceInfo, 2}
	kindSetName           = Kind{DeviceTypeBroadcast, ManufacturerGrapple, APIClassDeviceInfo, 3}
	kindSetID             = Kind{DeviceTypeBroadcast, ManufacturerGrapple, APIClassDeviceInfo, 4}
	kindCommitConfig      = Kind{DeviceTypeBroadcast, ManufacturerGrapple, APIClassDeviceInfo, 5}

	kindFirmwareBlock  = Kind{DeviceTypeFirmwareUpdate, ManufacturerGrapple, APIClassFirmware, 0}
	kindFirmwareAck    = Kind{DeviceTypeFirmwareUpdate, ManufacturerGrapple, APIClassFirmware, 1}
	kindFirmwareCommit = Kind{DeviceTypeFirmwareUpdate, ManufacturerGrapple, APIClassFirmware, 2}
)

// EnumerateRequest asks every device on the segment to announce itself.
type EnumerateRequest struct{}

func (EnumerateRequest) Kind() Kind       { return kindEnumerateRequest }
func (m EnumerateRequest) clone() Message { return m }

// EnumerateResponse is a device's discovery announcement.
type EnumerateResponse struct {
	Model           ModelID
	Serial          uint32
	IsDFU           bool
	IsDFUInProgress bool
	Name            string
	Version         string
}

func (EnumerateResponse) Kind() Kind       { return kindEnumerateResponse }
func (m EnumerateResponse) clone() Message { return m }

// Blink asks the device with the given serial to flash its status LED.
type Blink struct {
	Serial uint32
}

func (Blink) Kind() Kind       { return kindBlink }
func (m Blink) clone() Message { return m }

// SetName renames the device with the given serial.
type SetName struct {
	Serial uint32
	Name   string
}

func (SetName) Kind() Kind       { return kindSetName }
func (m SetName) clone() Message { return m }

// SetID assigns a new bus address to the device with the given serial.
type SetID struct {
	Serial uint32
	ID     uint8
}

func (SetID) Kind() Kind       { return kindSetID }
func (m SetID) clone() Message { return m }

// CommitConfig persists pending configuration changes on the device.
type CommitConfig struct {
	Serial uint32
}

func (CommitConfig) Kind() Kind       { return kindCommitConfig }
func (m CommitConfig) clone() Message { return m }

// FirmwareBlock carries one flash block of a firmware image.
type FirmwareBlock struct {
	Serial uint32
	Offset uint32
	Data   []byte
}

func (FirmwareBlock) Kind() Kind { return kindFirmwareBlock }

func (m FirmwareBlock) clone() Message {
	m.Data = bytes.Clone(m.Data)
	return m
}

// FirmwareAck is a device's answer to a FirmwareBlock.
type FirmwareAck struct {
	Serial uint32
	Offset uint32
	OK     bool
}

func (FirmwareAck) Kind() Kind       { return kindFirmwareAck }
func (m FirmwareAck) clone() Message { return m }

// FirmwareCommit finalises an upload and reboots into the new image.
type FirmwareCommit struct {
	Serial uint32
}

func (FirmwareCommit) Kind() Kind       { return kindFirmwareCommit }
func (m FirmwareCommit) clone() Message { return m }

// Raw is any frame the codec does not interpret.
type Raw struct {
	DeviceType   uint8
	Manufacturer uint8
	APIClass     uint8
	APIIndex     uint8
	Data         []byte
}

func (m Raw) Kind() Kind {
	return Kind{
		DeviceType:   m.DeviceType,
		Manufacturer: m.Manufacturer,
		APIClass:     m.APIClass,
		APIIndex:     m.APIIndex,
	}
}

func (m Raw) clone() Message {
	m.Data = bytes.Clone(m.Data)
	return m
}
