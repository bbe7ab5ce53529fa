package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// fakeSender records outbound frames.
type fakeSender struct {
	mu     sync.Mutex
	sent   []frame.Tagged
	err    error
	onSend func(frame.Tagged)
}

func (s *fakeSender) Send(_ context.Context, msg frame.Tagged) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	err, hook := s.err, s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return err
}

func (s *fakeSender) Sent() []frame.Tagged {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Tagged(nil), s.sent...)
}

// fakeDriver answers ping and reports its marker.
type fakeDriver struct {
	marker    int
	handleErr error
	callErr   error

	mu      sync.Mutex
	handled []frame.Tagged
}

func (d *fakeDriver) Handle(_ context.Context, _ frame.MessageID, msg frame.Tagged) error {
	d.mu.Lock()
	d.handled = append(d.handled, msg)
	d.mu.Unlock()
	return d.handleErr
}

func (d *fakeDriver) Call(_ context.Context, req json.RawMessage) (json.RawMessage, error) {
	if d.callErr != nil {
		return nil, d.callErr
	}
	op, err := DecodeRequest(req, nil)
	if err != nil {
		return nil, err
	}
	switch op {
	case "ping":
		return json.RawMessage(`{"pong":true}`), nil
	case "marker":
		return Reply(map[string]int{"marker": d.marker})
	}
	return nil, ErrUnsupportedOp
}

func (d *fakeDriver) DeviceClass() string { return "Fake" }

func (d *fakeDriver) Handled() []frame.Tagged {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]frame.Tagged(nil), d.handled...)
}

type fakeCatalogue map[frame.ModelID]Model

func (c fakeCatalogue) Lookup(id frame.ModelID) (Model, bool) {
	m, ok := c[id]
	return m, ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) RecordEvent(ev Event) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) Kinds() []EventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	kinds := make([]EventKind, 0, len(o.events))
	for _, ev := range o.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type testHarness struct {
	manager  *Manager
	senders  map[Domain]*fakeSender
	clock    *fakeClock
	observer *recordingObserver

	mu    sync.Mutex
	built []*fakeDriver
}

func (h *testHarness) Built() []*fakeDriver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeDriver(nil), h.built...)
}

const gatedVersion = "0.1.0"

func newHarness(t *testing.T, domains ...Domain) *testHarness {
	t.Helper()
	if len(domains) == 0 {
		domains = []Domain{"can0"}
	}

	h := &testHarness{
		senders:  make(map[Domain]*fakeSender),
		clock:    &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		observer: &recordingObserver{},
	}

	build := func(*Link, *InfoCell) Driver {
		h.mu.Lock()
		defer h.mu.Unlock()
		d := &fakeDriver{marker: len(h.built) + 1}
		h.built = append(h.built, d)
		return d
	}
	models := fakeCatalogue{
		frame.ModelLaserCAN: {
			ID:             frame.ModelLaserCAN,
			Class:          "LaserCAN",
			FlashBlockSize: 8,
			Build:          build,
			Compatible:     func(v string) bool { return v != gatedVersion },
			Requirement:    "v1.x",
		},
		frame.ModelMitoCANdria: {
			ID:             frame.ModelMitoCANdria,
			Class:          "MitoCANdria",
			FlashBlockSize: 64,
			Build:          build,
		},
	}

	senders := make(map[Domain]Sender, len(domains))
	for _, d := range domains {
		s := &fakeSender{}
		h.senders[d] = s
		senders[d] = s
	}

	m, err := New(Config{
		Domains:  senders,
		Models:   models,
		Observer: h.observer,
		Now:      h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.manager = m
	return h
}

func (h *testHarness) announce(domain Domain, deviceID uint8, resp frame.EnumerateResponse) {
	msg := frame.Tagged{DeviceID: deviceID, Msg: resp}
	h.manager.OnMessage(context.Background(), domain, msg.ID(), msg)
}

func laserCAN(serial uint32) frame.EnumerateResponse {
	return frame.EnumerateResponse{Model: frame.ModelLaserCAN, Serial: serial, Version: "1.2.0"}
}

func identities(rows []Listing) []Identity {
	ids := make([]Identity, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Identity)
	}
	return ids
}

var errBoom = errors.New("boom")
