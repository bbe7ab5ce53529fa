package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

const defaultFlashBlockSize = 8

// FirmwareUpgradeDriver drives a device in recovery mode. It uploads an
// image block by block, waiting for the device to acknowledge each one,
// then commits it.
type FirmwareUpgradeDriver struct {
	link      *Link
	info      *InfoCell
	model     Model
	blockSize int

	busy  atomic.Bool
	sent  atomic.Int64
	total atomic.Int64
}

// NewFirmwareUpgradeDriver returns an upgrade driver using the model's
// flash block size.
func NewFirmwareUpgradeDriver(link *Link, info *InfoCell, model Model) *FirmwareUpgradeDriver {
	blockSize := model.FlashBlockSize
	if blockSize <= 0 {
		blockSize = defaultFlashBlockSize
	}
	return &FirmwareUpgradeDriver{
		link:      link,
		info:      info,
		model:     model,
		blockSize: blockSize,
	}
}

type firmwareStatus struct {
	Model      frame.ModelID `json:"model"`
	BlockSize  int           `json:"block_size"`
	InProgress bool          `json:"in_progress"`
	Sent       int64         `json:"sent"`
	Total      int64         `json:"total"`
}

type updateRequest struct {
	// Data is the firmware image. encoding/json decodes base64 into []byte.
	Data []byte `json:"data"`
}

type updateResult struct {
	Blocks int `json:"blocks"`
	Bytes  int `json:"bytes"`
}

func (d *FirmwareUpgradeDriver) Handle(context.Context, frame.MessageID, frame.Tagged) error {
	return nil
}

func (d *FirmwareUpgradeDriver) Call(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	var update updateRequest
	op, err := DecodeRequest(req, &update)
	if err != nil {
		return nil, err
	}

	switch op {
	case "info":
		return Reply(d.status())
	case "update":
		if len(update.Data) == 0 {
			return nil, fmt.Errorf("%w: empty firmware image", ErrInvalidRequest)
		}
		blocks, err := d.upload(ctx, update.Data)
		if err != nil {
			return nil, err
		}
		return Reply(updateResult{Blocks: blocks, Bytes: len(update.Data)})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, op)
	}
}

func (d *FirmwareUpgradeDriver) DeviceClass() string {
	return ClassFirmwareUpgrade
}

func (d *FirmwareUpgradeDriver) status() firmwareStatus {
	return firmwareStatus{
		Model:      d.model.ID,
		BlockSize:  d.blockSize,
		InProgress: d.busy.Load(),
		Sent:       d.sent.Load(),
		Total:      d.total.Load(),
	}
}

func (d *FirmwareUpgradeDriver) upload(ctx context.Context, image []byte) (int, error) {
	if !d.busy.CompareAndSwap(false, true) {
		return 0, ErrUpdateInProgress
	}
	defer d.busy.Store(false)

	info := d.info.Load()
	if info.Serial == nil || info.DeviceID == nil {
		return 0, ErrAddressUnknown
	}
	serial, addr := *info.Serial, *info.DeviceID
	ackID := frame.FirmwareAck{}.Kind().WithDevice(addr)

	d.total.Store(int64(len(image)))
	d.sent.Store(0)

	blocks := 0
	for off := 0; off < len(image); off += d.blockSize {
		end := min(off+d.blockSize, len(image))
		offset := uint32(off)

		block := frame.Tagged{DeviceID: addr, Msg: frame.FirmwareBlock{
			Serial: serial,
			Offset: offset,
			Data:   image[off:end],
		}}
		reply, err := d.link.Request(ctx, block, ackID, func(t frame.Tagged) bool {
			ack, ok := t.Msg.(frame.FirmwareAck)
			return ok && ack.Serial == serial && ack.Offset == offset
		})
		if err != nil {
			return blocks, fmt.Errorf("firmware block at offset %d: %w", off, err)
		}
		if !reply.Msg.(frame.FirmwareAck).OK {
			return blocks, fmt.Errorf("%w: offset %d", ErrFirmwareRejected, off)
		}

		blocks++
		d.sent.Store(int64(end))
	}

	commit := frame.Tagged{DeviceID: addr, Msg: frame.FirmwareCommit{Serial: serial}}
	if err := d.link.Send(ctx, commit); err != nil {
		return blocks, fmt.Errorf("committing firmware: %w", err)
	}
	return blocks, nil
}
