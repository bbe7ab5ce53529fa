package canbus

import (
	"encoding/binary"
	"fmt"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// Daemon message types. Every message is size(2) + type(2) + payload, big
// endian, where size counts the type field and payload.
const (
	// MsgOpen opens a frame session. Request payload: protocol version(1).
	// Response payload: status(1), zero on success.
	MsgOpen uint16 = 0x0001

	// MsgFrame carries one bus frame: id(4) + data.
	MsgFrame uint16 = 0x0010
)

const (
	// ProtocolVersion is sent in the open handshake.
	ProtocolVersion byte = 1

	// MaxFrameData is the largest frame payload the daemon carries after
	// reassembly.
	MaxFrameData = 1024

	headerSize  = 4
	frameIDSize = 4

	// maxMessageSize bounds a complete daemon message.
	maxMessageSize = headerSize + frameIDSize + MaxFrameData
)

// EncodeDaemonMessage frames payload as a daemon message of msgType.
func EncodeDaemonMessage(msgType uint16, payload []byte) []byte {
	msg := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(msg[0:2], uint16(2+len(payload))) // #nosec G115 -- payload bounded by callers
	binary.BigEndian.PutUint16(msg[2:4], msgType)
	copy(msg[headerSize:], payload)
	return msg
}

// ParseDaemonMessage splits a complete daemon message into type and payload.
func ParseDaemonMessage(msg []byte) (uint16, []byte, error) {
	if len(msg) < headerSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(msg))
	}
	size := int(binary.BigEndian.Uint16(msg[0:2]))
	if size < 2 || size+2 != len(msg) {
		return 0, nil, fmt.Errorf("%w: size field %d for %d bytes", ErrInvalidMessage, size, len(msg))
	}
	return binary.BigEndian.Uint16(msg[2:4]), msg[headerSize:], nil
}

// EncodeFrame builds a MsgFrame message for a bus frame.
func EncodeFrame(id frame.MessageID, data []byte) ([]byte, error) {
	if len(data) > MaxFrameData {
		return nil, fmt.Errorf("%w: frame data %d bytes exceeds %d", ErrInvalidMessage, len(data), MaxFrameData)
	}
	payload := make([]byte, frameIDSize+len(data))
	binary.BigEndian.PutUint32(payload[0:4], id.Uint32())
	copy(payload[frameIDSize:], data)
	return EncodeDaemonMessage(MsgFrame, payload), nil
}

// ParseFrame extracts the raw id and data of a MsgFrame payload. The data
// slice aliases payload.
func ParseFrame(payload []byte) (uint32, []byte, error) {
	if len(payload) < frameIDSize {
		return 0, nil, fmt.Errorf("%w: frame payload %d bytes", ErrInvalidMessage, len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]), payload[frameIDSize:], nil
}
