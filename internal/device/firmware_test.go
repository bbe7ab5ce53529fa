package device

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

func newFirmwareFixture(t *testing.T, blockSize int, ackOK bool) (*FirmwareUpgradeDriver, *fakeSender) {
	t.Helper()
	replies := NewReplyTable()
	sender := &fakeSender{}
	sender.onSend = func(msg frame.Tagged) {
		block, ok := msg.Msg.(frame.FirmwareBlock)
		if !ok {
			return
		}
		ack := frame.Tagged{DeviceID: msg.DeviceID, Msg: frame.FirmwareAck{Serial: block.Serial, Offset: block.Offset, OK: ackOK}}
		replies.Deliver(ack.ID().Uint32(), ack)
	}

	info := Info{
		Model:    frame.ModelLaserCAN,
		Serial:   ptr(uint32(77)),
		IsDFU:    true,
		DeviceID: ptr(uint8(6)),
	}
	link := NewLink("can0", sender, replies, time.Second)
	model := Model{ID: frame.ModelLaserCAN, FlashBlockSize: blockSize}
	return NewFirmwareUpgradeDriver(link, NewInfoCell(info), model), sender
}

func updatePayload(image []byte) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"op":"update","data":%q}`, base64.StdEncoding.EncodeToString(image)))
}

func TestFirmwareUpload(t *testing.T) {
	d, sender := newFirmwareFixture(t, 8, true)
	image := bytes.Repeat([]byte{0xAB}, 20)

	out, err := d.Call(context.Background(), updatePayload(image))
	if err != nil {
		t.Fatalf("Call(update) error = %v", err)
	}
	if string(out) != `{"blocks":3,"bytes":20}` {
		t.Errorf("Call(update) = %s", out)
	}

	sent := sender.Sent()
	if len(sent) != 4 {
		t.Fatalf("sent %d frames, want 3 blocks and a commit", len(sent))
	}
	var got []byte
	for i, msg := range sent[:3] {
		block := msg.Msg.(frame.FirmwareBlock)
		if block.Offset != uint32(i*8) || block.Serial != 77 || msg.DeviceID != 6 {
			t.Errorf("block %d = %+v to %d", i, block, msg.DeviceID)
		}
		got = append(got, block.Data...)
	}
	if !bytes.Equal(got, image) {
		t.Error("uploaded blocks do not reassemble the image")
	}
	if _, ok := sent[3].Msg.(frame.FirmwareCommit); !ok {
		t.Errorf("last frame = %T, want FirmwareCommit", sent[3].Msg)
	}

	status := d.status()
	if status.InProgress || status.Sent != 20 || status.Total != 20 {
		t.Errorf("status = %+v", status)
	}
}

func TestFirmwareUploadRejected(t *testing.T) {
	d, sender := newFirmwareFixture(t, 8, false)

	_, err := d.Call(context.Background(), updatePayload([]byte{1, 2, 3}))
	if !errors.Is(err, ErrFirmwareRejected) {
		t.Fatalf("Call(update) error = %v, want ErrFirmwareRejected", err)
	}
	for _, msg := range sender.Sent() {
		if _, ok := msg.Msg.(frame.FirmwareCommit); ok {
			t.Error("commit sent after a rejected block")
		}
	}
}

func TestFirmwareUploadSingleFlight(t *testing.T) {
	d, _ := newFirmwareFixture(t, 8, true)
	d.busy.Store(true)

	_, err := d.Call(context.Background(), updatePayload([]byte{1}))
	if !errors.Is(err, ErrUpdateInProgress) {
		t.Errorf("Call(update) error = %v, want ErrUpdateInProgress", err)
	}
}

func TestFirmwareCallErrors(t *testing.T) {
	d, _ := newFirmwareFixture(t, 0, true)

	tests := []struct {
		name string
		req  string
		want error
	}{
		{"not json", `nope`, ErrInvalidRequest},
		{"missing op", `{}`, ErrInvalidRequest},
		{"empty image", `{"op":"update"}`, ErrInvalidRequest},
		{"unknown op", `{"op":"explode"}`, ErrUnsupportedOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Call(context.Background(), json.RawMessage(tt.req))
			if !errors.Is(err, tt.want) {
				t.Errorf("Call(%s) error = %v, want %v", tt.req, err, tt.want)
			}
		})
	}

	if d.status().BlockSize != defaultFlashBlockSize {
		t.Errorf("block size = %d, want default", d.status().BlockSize)
	}
}
