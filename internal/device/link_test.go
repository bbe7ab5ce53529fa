package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

func TestLinkRequest(t *testing.T) {
	replies := NewReplyTable()
	sender := &fakeSender{}
	link := NewLink("can0", sender, replies, time.Second)

	replyID := frame.FirmwareAck{}.Kind().WithDevice(2)
	sender.onSend = func(frame.Tagged) {
		replies.Deliver(replyID.Uint32(), frame.Tagged{DeviceID: 2, Msg: frame.FirmwareAck{Serial: 5, OK: true}})
	}

	got, err := link.Request(context.Background(), frame.Tagged{DeviceID: 2, Msg: frame.Blink{Serial: 5}}, replyID, nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if ack, ok := got.Msg.(frame.FirmwareAck); !ok || ack.Serial != 5 {
		t.Errorf("Request() = %+v", got)
	}
	if len(sender.Sent()) != 1 {
		t.Errorf("sent %d frames, want 1", len(sender.Sent()))
	}
}

func TestLinkRequestSkipsForeignReplies(t *testing.T) {
	replies := NewReplyTable()
	sender := &fakeSender{}
	link := NewLink("can0", sender, replies, time.Second)

	replyID := frame.FirmwareAck{}.Kind().WithDevice(2)
	id := replyID.Uint32()
	sender.onSend = func(frame.Tagged) {
		go func() {
			replies.Deliver(id, frame.Tagged{DeviceID: 2, Msg: frame.FirmwareAck{Serial: 99}})
			for replies.Pending(id) == 0 {
				time.Sleep(time.Millisecond)
			}
			replies.Deliver(id, frame.Tagged{DeviceID: 2, Msg: frame.FirmwareAck{Serial: 5}})
		}()
	}

	accept := func(t frame.Tagged) bool {
		ack, ok := t.Msg.(frame.FirmwareAck)
		return ok && ack.Serial == 5
	}
	got, err := link.Request(context.Background(), frame.Tagged{DeviceID: 2, Msg: frame.Blink{Serial: 5}}, replyID, accept)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if got.Msg.(frame.FirmwareAck).Serial != 5 {
		t.Errorf("Request() = %+v, want serial 5", got)
	}
}

func TestLinkConcurrentAcks(t *testing.T) {
	replies := NewReplyTable()
	link := NewLink("can0", &fakeSender{}, replies, time.Second)

	replyID := frame.FirmwareAck{}.Kind().WithDevice(2)
	id := replyID.Uint32()

	acceptSerial := func(serial uint32) func(frame.Tagged) bool {
		return func(t frame.Tagged) bool {
			ack, ok := t.Msg.(frame.FirmwareAck)
			return ok && ack.Serial == serial
		}
	}

	type result struct {
		serial uint32
		err    error
	}
	results := make(chan result, 2)
	for _, serial := range []uint32{5, 6} {
		go func() {
			got, err := link.Request(context.Background(), frame.Tagged{DeviceID: 2, Msg: frame.Blink{Serial: serial}}, replyID, acceptSerial(serial))
			if err != nil {
				results <- result{serial: serial, err: err}
				return
			}
			results <- result{serial: got.Msg.(frame.FirmwareAck).Serial}
		}()
	}

	waitPending := func(n int) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for replies.Pending(id) != n {
			if time.Now().After(deadline) {
				t.Fatalf("pending waiters = %d, want %d", replies.Pending(id), n)
			}
			time.Sleep(time.Millisecond)
		}
	}

	// Both waiters see the first ack; the one for serial 6 registers again.
	waitPending(2)
	replies.Deliver(id, frame.Tagged{DeviceID: 2, Msg: frame.FirmwareAck{Serial: 5, OK: true}})
	waitPending(1)
	replies.Deliver(id, frame.Tagged{DeviceID: 2, Msg: frame.FirmwareAck{Serial: 6, OK: true}})

	seen := make(map[uint32]bool)
	for range 2 {
		r := <-results
		if r.err != nil {
			t.Fatalf("Request(serial %d) error = %v", r.serial, r.err)
		}
		seen[r.serial] = true
	}
	if !seen[5] || !seen[6] {
		t.Errorf("acks received = %v, want serials 5 and 6", seen)
	}
	if n := replies.Len(); n != 0 {
		t.Errorf("%d waiters left", n)
	}
}

func TestLinkRequestTimeout(t *testing.T) {
	replies := NewReplyTable()
	link := NewLink("can0", &fakeSender{}, replies, 20*time.Millisecond)

	replyID := frame.FirmwareAck{}.Kind().WithDevice(2)
	_, err := link.Request(context.Background(), frame.Tagged{DeviceID: 2, Msg: frame.Blink{Serial: 5}}, replyID, nil)
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("Request() error = %v, want ErrReplyTimeout", err)
	}
	if n := replies.Len(); n != 0 {
		t.Errorf("%d waiters left after timeout", n)
	}
}

func TestLinkRequestCancelled(t *testing.T) {
	replies := NewReplyTable()
	link := NewLink("can0", &fakeSender{}, replies, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	replyID := frame.FirmwareAck{}.Kind().WithDevice(2)
	_, err := link.Request(ctx, frame.Tagged{DeviceID: 2, Msg: frame.Blink{Serial: 5}}, replyID, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Request() error = %v, want context.Canceled", err)
	}
}

func TestLinkSendError(t *testing.T) {
	replies := NewReplyTable()
	link := NewLink("can0", &fakeSender{err: errBoom}, replies, time.Second)

	replyID := frame.FirmwareAck{}.Kind().WithDevice(2)
	_, err := link.Request(context.Background(), frame.Tagged{DeviceID: 2, Msg: frame.Blink{Serial: 5}}, replyID, nil)
	if !errors.Is(err, errBoom) {
		t.Errorf("Request() error = %v, want errBoom", err)
	}
	if replies.Len() != 0 {
		t.Error("waiter left registered after send failure")
	}
}
