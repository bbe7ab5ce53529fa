package frame

import (
	"encoding/binary"
	"fmt"
)

const (
	flagDFU           = 0x01
	flagDFUInProgress = 0x02

	maxStringField = 0xFF
)

// Encode serialises a tagged message into its identifier and payload.
func Encode(t Tagged) (MessageID, []byte, error) {
	if t.Msg == nil {
		return MessageID{}, nil, fmt.Errorf("%w: nil message", ErrInvalidFrame)
	}
	id := t.ID()

	var buf []byte
	switch m := t.Msg.(type) {
	case EnumerateRequest:
	case EnumerateResponse:
		if len(m.Version) > maxStringField || len(m.Name) > maxStringField {
			return id, nil, ErrFieldTooLong
		}
		var flags byte
		if m.IsDFU {
			flags |= flagDFU
		}
		if m.IsDFUInProgress {
			flags |= flagDFUInProgress
		}
		buf = make([]byte, 0, 8+len(m.Version)+len(m.Name))
		buf = append(buf, byte(m.Model), flags)
		buf = binary.BigEndian.AppendUint32(buf, m.Serial)
		buf = appendString(buf, m.Version)
		buf = appendString(buf, m.Name)
	case Blink:
		buf = binary.BigEndian.AppendUint32(nil, m.Serial)
	case SetName:
		if len(m.Name) > maxStringField {
			return id, nil, ErrFieldTooLong
		}
		buf = binary.BigEndian.AppendUint32(nil, m.Serial)
		buf = appendString(buf, m.Name)
	case SetID:
		buf = binary.BigEndian.AppendUint32(nil, m.Serial)
		buf = append(buf, m.ID&deviceIDMask)
	case CommitConfig:
		buf = binary.BigEndian.AppendUint32(nil, m.Serial)
	case FirmwareBlock:
		buf = make([]byte, 0, 8+len(m.Data))
		buf = binary.BigEndian.AppendUint32(buf, m.Serial)
		buf = binary.BigEndian.AppendUint32(buf, m.Offset)
		buf = append(buf, m.Data...)
	case FirmwareAck:
		buf = binary.BigEndian.AppendUint32(nil, m.Serial)
		buf = binary.BigEndian.AppendUint32(buf, m.Offset)
		if m.OK {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case FirmwareCommit:
		buf = binary.BigEndian.AppendUint32(nil, m.Serial)
	case Raw:
		buf = append([]byte(nil), m.Data...)
	default:
		return id, nil, fmt.Errorf("%w: unsupported message %T", ErrInvalidFrame, t.Msg)
	}
	return id, buf, nil
}

// Decode parses a raw identifier and payload. Identifiers the codec does
// not know are returned as Raw messages.
func Decode(raw uint32, data []byte) (MessageID, Tagged, error) {
	id := ParseMessageID(raw)
	msg, err := decodePayload(id.Kind(), data)
	if err != nil {
		return id, Tagged{}, fmt.Errorf("decoding %s: %w", id, err)
	}
	return id, Tagged{DeviceID: id.DeviceID, Msg: msg}, nil
}

func decodePayload(kind Kind, data []byte) (Message, error) {
	r := reader{buf: data}

	switch kind {
	case kindEnumerateRequest:
		return EnumerateRequest{}, nil
	case kindEnumerateResponse:
		m := EnumerateResponse{Model: ModelID(r.byte())}
		flags := r.byte()
		m.IsDFU = flags&flagDFU != 0
		m.IsDFUInProgress = flags&flagDFUInProgress != 0
		m.Serial = r.uint32()
		m.Version = r.string()
		m.Name = r.string()
		return m, r.err
	case kindBlink:
		return Blink{Serial: r.uint32()}, r.err
	case kindSetName:
		m := SetName{Serial: r.uint32()}
		m.Name = r.string()
		return m, r.err
	case kindSetID:
		m := SetID{Serial: r.uint32()}
		m.ID = r.byte()
		return m, r.err
	case kindCommitConfig:
		return CommitConfig{Serial: r.uint32()}, r.err
	case kindFirmwareBlock:
		m := FirmwareBlock{Serial: r.uint32()}
		m.Offset = r.uint32()
		m.Data = r.rest()
		return m, r.err
	case kindFirmwareAck:
		m := FirmwareAck{Serial: r.uint32()}
		m.Offset = r.uint32()
		m.OK = r.byte() != 0
		return m, r.err
	case kindFirmwareCommit:
		return FirmwareCommit{Serial: r.uint32()}, r.err
	}

	return Raw{
		DeviceType:   kind.DeviceType,
		Manufacturer: kind.Manufacturer,
		APIClass:     kind.APIClass,
		APIIndex:     kind.APIIndex,
		Data:         append([]byte(nil), data...),
	}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

// reader consumes a payload front to back and remembers the first short read.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidFrame, n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string() string {
	n := int(r.byte())
	return string(r.take(n))
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	b := append([]byte(nil), r.buf...)
	r.buf = nil
	return b
}
