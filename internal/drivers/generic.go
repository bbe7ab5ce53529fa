package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// DeviceTypeMisc is the bus device type Grapple products use for their
// own API frames.
const DeviceTypeMisc uint8 = 10

// Generic drives any product through the device-info API shared by all
// Grapple firmware plus raw frame access.
//
// Supported ops:
//
//	ping                       liveness of the driver itself
//	info                       announced info and frame counters
//	blink                      flash the status LED
//	set_name  {"name"}         rename the device
//	set_id    {"id"}           change the bus address
//	commit                     persist configuration
//	raw       {"api_class", "api_index", "data", "reply_index"}
type Generic struct {
	class string
	link  *device.Link
	info  *device.InfoCell

	framesSeen atomic.Uint64
}

// NewGeneric returns a generic driver reporting class.
func NewGeneric(class string, link *device.Link, info *device.InfoCell) *Generic {
	return &Generic{class: class, link: link, info: info}
}

type genericRequest struct {
	Name       string `json:"name"`
	ID         *uint8 `json:"id"`
	APIClass   uint8  `json:"api_class"`
	APIIndex   uint8  `json:"api_index"`
	Data       []byte `json:"data"`
	ReplyIndex *uint8 `json:"reply_index"`
}

type genericInfo struct {
	Class      string      `json:"class"`
	Info       device.Info `json:"info"`
	FramesSeen uint64      `json:"frames_seen"`
}

type rawReply struct {
	Data []byte `json:"data"`
}

// Handle counts frames sent by this device.
func (g *Generic) Handle(_ context.Context, id frame.MessageID, _ frame.Tagged) error {
	info := g.info.Load()
	if info.DeviceID != nil && *info.DeviceID == id.DeviceID {
		g.framesSeen.Add(1)
	}
	return nil
}

func (g *Generic) Call(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	var r genericRequest
	op, err := device.DecodeRequest(req, &r)
	if err != nil {
		return nil, err
	}

	info := g.info.Load()

	switch op {
	case "ping":
		return device.Reply(map[string]bool{"pong": true})
	case "info":
		return device.Reply(genericInfo{Class: g.class, Info: info, FramesSeen: g.framesSeen.Load()})
	case "blink":
		return g.sendBySerial(ctx, info, func(serial uint32) frame.Message {
			return frame.Blink{Serial: serial}
		})
	case "set_name":
		if r.Name == "" {
			return nil, fmt.Errorf("%w: name is required", device.ErrInvalidRequest)
		}
		return g.sendBySerial(ctx, info, func(serial uint32) frame.Message {
			return frame.SetName{Serial: serial, Name: r.Name}
		})
	case "set_id":
		if r.ID == nil || *r.ID >= frame.DeviceIDBroadcast {
			return nil, fmt.Errorf("%w: id must be between 0 and %d", device.ErrInvalidRequest, frame.DeviceIDBroadcast-1)
		}
		return g.sendBySerial(ctx, info, func(serial uint32) frame.Message {
			return frame.SetID{Serial: serial, ID: *r.ID}
		})
	case "commit":
		return g.sendBySerial(ctx, info, func(serial uint32) frame.Message {
			return frame.CommitConfig{Serial: serial}
		})
	case "raw":
		return g.raw(ctx, info, r)
	default:
		return nil, fmt.Errorf("%w: %q", device.ErrUnsupportedOp, op)
	}
}

func (g *Generic) DeviceClass() string {
	return g.class
}

// sendBySerial broadcasts a device-info frame addressed by serial, which
// reaches the device even if its bus address collides with another.
func (g *Generic) sendBySerial(ctx context.Context, info device.Info, build func(uint32) frame.Message) (json.RawMessage, error) {
	if info.Serial == nil {
		return nil, device.ErrAddressUnknown
	}
	msg := frame.Tagged{DeviceID: frame.DeviceIDBroadcast, Msg: build(*info.Serial)}
	if err := g.link.Send(ctx, msg); err != nil {
		return nil, err
	}
	return device.Reply(map[string]bool{"ok": true})
}

func (g *Generic) raw(ctx context.Context, info device.Info, r genericRequest) (json.RawMessage, error) {
	if info.DeviceID == nil {
		return nil, device.ErrAddressUnknown
	}
	addr := *info.DeviceID

	msg := frame.Tagged{DeviceID: addr, Msg: frame.Raw{
		DeviceType:   DeviceTypeMisc,
		Manufacturer: frame.ManufacturerGrapple,
		APIClass:     r.APIClass,
		APIIndex:     r.APIIndex,
		Data:         r.Data,
	}}

	if r.ReplyIndex == nil {
		if err := g.link.Send(ctx, msg); err != nil {
			return nil, err
		}
		return device.Reply(rawReply{})
	}

	replyID := frame.Kind{
		DeviceType:   DeviceTypeMisc,
		Manufacturer: frame.ManufacturerGrapple,
		APIClass:     r.APIClass,
		APIIndex:     *r.ReplyIndex,
	}.WithDevice(addr)

	reply, err := g.link.Request(ctx, msg, replyID, nil)
	if err != nil {
		return nil, err
	}
	out := rawReply{}
	if raw, ok := reply.Msg.(frame.Raw); ok {
		out.Data = raw.Data
	}
	return device.Reply(out)
}
