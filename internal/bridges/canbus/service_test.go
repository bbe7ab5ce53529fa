package canbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/drivers"
	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/influxdb"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/mqtt"
)

// fakeConnector is an in-memory bus connection.
type fakeConnector struct {
	mu          sync.Mutex
	sent        []frame.Tagged
	onMessage   MessageHandler
	onReconnect func()
	connected   bool
	sendErr     error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{connected: true}
}

func (f *fakeConnector) Send(_ context.Context, msg frame.Tagged) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConnector) SetOnMessage(h MessageHandler) {
	f.mu.Lock()
	f.onMessage = h
	f.mu.Unlock()
}

func (f *fakeConnector) SetOnReconnect(cb func()) {
	f.mu.Lock()
	f.onReconnect = cb
	f.mu.Unlock()
}

func (f *fakeConnector) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnector) Stats() ClientStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ClientStats{FramesTx: uint64(len(f.sent)), Connected: f.connected}
}

func (f *fakeConnector) Close() error { return nil }

// inject delivers msg as if it arrived from the bus.
func (f *fakeConnector) inject(msg frame.Tagged) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	h(msg.ID(), msg)
}

func (f *fakeConnector) reconnect() {
	f.mu.Lock()
	cb := f.onReconnect
	f.mu.Unlock()
	cb()
}

func (f *fakeConnector) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeMQTT records publishes and keeps subscribed handlers.
type fakeMQTT struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]mqtt.MessageHandler
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) IsConnected() bool { return true }

func (f *fakeMQTT) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

// waitFor returns the first publish on topic.
func (f *fakeMQTT) waitFor(t *testing.T, topic string) published {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, p := range f.published {
			if p.topic == topic {
				f.mu.Unlock()
				return p
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("nothing published on %s", topic)
	return published{}
}

type fakeTelemetry struct {
	mu      sync.Mutex
	manager []influxdb.ManagerCounters
	domains map[string]int
	bridges map[string]influxdb.BridgeCounters
}

func (f *fakeTelemetry) WriteManagerStats(c influxdb.ManagerCounters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manager = append(f.manager, c)
}

func (f *fakeTelemetry) WriteDomainStats(domain string, devices, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.domains == nil {
		f.domains = make(map[string]int)
	}
	f.domains[domain] = devices
}

func (f *fakeTelemetry) WriteBridgeStats(domain string, c influxdb.BridgeCounters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bridges == nil {
		f.bridges = make(map[string]influxdb.BridgeCounters)
	}
	f.bridges[domain] = c
}

type serviceHarness struct {
	svc     *Service
	manager *device.Manager
	conns   map[device.Domain]*fakeConnector
	mqtt    *fakeMQTT
	feed    *EventFeed
}

func newServiceHarness(t *testing.T, opts ServiceOptions) *serviceHarness {
	t.Helper()

	h := &serviceHarness{
		conns: map[device.Domain]*fakeConnector{"can0": newFakeConnector(), "can1": newFakeConnector()},
		mqtt:  newFakeMQTT(),
		feed:  NewEventFeed(16),
	}

	senders := make(map[device.Domain]device.Sender)
	connectors := make(map[device.Domain]Connector)
	for d, c := range h.conns {
		senders[d] = c
		connectors[d] = c
	}

	m, err := device.New(device.Config{
		Domains:  senders,
		Models:   drivers.DefaultCatalogue(nil),
		Observer: h.feed,
	})
	if err != nil {
		t.Fatalf("device.New() error = %v", err)
	}
	h.manager = m

	opts.Manager = m
	opts.Connectors = connectors
	opts.Events = h.feed
	if opts.MQTT == nil {
		opts.MQTT = h.mqtt
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	h.svc = svc
	t.Cleanup(svc.Stop)
	return h
}

func announce(serial uint32, version string) frame.Tagged {
	return frame.Tagged{
		DeviceID: 5,
		Msg:      frame.EnumerateResponse{Model: frame.ModelLaserCAN, Serial: serial, Version: version},
	}
}

func TestNewServiceRequiresEveryConnector(t *testing.T) {
	m, err := device.New(device.Config{
		Domains: map[device.Domain]device.Sender{"can0": newFakeConnector(), "can1": newFakeConnector()},
		Models:  drivers.DefaultCatalogue(nil),
	})
	if err != nil {
		t.Fatalf("device.New() error = %v", err)
	}

	_, err = NewService(ServiceOptions{
		Manager:    m,
		Connectors: map[device.Domain]Connector{"can0": newFakeConnector()},
	})
	if err == nil || !strings.Contains(err.Error(), "can1") {
		t.Fatalf("NewService() error = %v, want missing can1", err)
	}

	if _, err := NewService(ServiceOptions{}); err == nil {
		t.Fatal("NewService() without manager succeeded")
	}
}

func TestInboundFramesReachManager(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{})

	h.conns["can0"].inject(announce(42, "2.1.0"))

	lists := h.manager.List()
	if len(lists["can0"]) != 1 || lists["can0"][0].Identity != device.Normal(42) {
		t.Fatalf("can0 devices = %+v, want normal:42", lists["can0"])
	}
	if len(lists["can1"]) != 0 {
		t.Errorf("can1 devices = %+v, want none", lists["can1"])
	}
}

func TestReconnectResetsRegistry(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{})

	h.conns["can0"].inject(announce(1, "2.0.0"))
	h.conns["can1"].inject(announce(2, "2.0.0"))
	h.conns["can1"].reconnect()

	for d, devices := range h.manager.List() {
		if len(devices) != 0 {
			t.Errorf("%s still has %d devices after reset", d, len(devices))
		}
	}
	if got := h.svc.GetMetrics().Resets; got != 1 {
		t.Errorf("Resets = %d, want 1", got)
	}
}

func TestExecute(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{})
	h.conns["can0"].inject(announce(42, "2.0.0"))

	present := device.Normal(42)
	missing := device.Normal(7)

	tests := []struct {
		name     string
		req      RequestMessage
		wantOK   bool
		wantCode string
		wantData string
	}{
		{
			name:     "call ping",
			req:      RequestMessage{Action: ActionCall, Domain: "can0", Identity: &present, Payload: json.RawMessage(`{"op":"ping"}`)},
			wantOK:   true,
			wantData: `{"pong":true}`,
		},
		{
			name:     "call unknown op",
			req:      RequestMessage{Action: ActionCall, Domain: "can0", Identity: &present, Payload: json.RawMessage(`{"op":"dance"}`)},
			wantCode: ErrCodeUnsupported,
		},
		{
			name:     "call missing device",
			req:      RequestMessage{Action: ActionCall, Domain: "can0", Identity: &missing, Payload: json.RawMessage(`{"op":"ping"}`)},
			wantCode: ErrCodeNotFound,
		},
		{
			name:     "call unknown domain",
			req:      RequestMessage{Action: ActionCall, Domain: "can9", Identity: &present, Payload: json.RawMessage(`{"op":"ping"}`)},
			wantCode: ErrCodeUnknownDomain,
		},
		{
			name:     "call without identity",
			req:      RequestMessage{Action: ActionCall, Domain: "can0", Payload: json.RawMessage(`{"op":"ping"}`)},
			wantCode: ErrCodeInvalidRequest,
		},
		{
			name:     "devices unknown domain",
			req:      RequestMessage{Action: ActionDevices, Domain: "can9"},
			wantCode: ErrCodeUnknownDomain,
		},
		{
			name:     "unknown action",
			req:      RequestMessage{Action: "explode"},
			wantCode: ErrCodeUnknownAction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.RequestID = "req-1"
			resp := h.svc.Execute(context.Background(), tt.req)

			if resp.RequestID != "req-1" {
				t.Errorf("RequestID = %q", resp.RequestID)
			}
			if resp.Success != tt.wantOK {
				t.Fatalf("Success = %v, want %v (error %+v)", resp.Success, tt.wantOK, resp.Error)
			}
			if tt.wantOK {
				if string(resp.Data) != tt.wantData {
					t.Errorf("Data = %s, want %s", resp.Data, tt.wantData)
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("Error = %+v, want code %s", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestExecuteDevicesAndReset(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{})
	h.conns["can0"].inject(announce(3, "2.0.0"))

	resp := h.svc.Execute(context.Background(), RequestMessage{RequestID: "a", Action: ActionDevices, Domain: "can0"})
	if !resp.Success {
		t.Fatalf("devices failed: %+v", resp.Error)
	}
	var lists map[device.Domain][]device.Listing
	if err := json.Unmarshal(resp.Data, &lists); err != nil {
		t.Fatalf("unmarshal devices: %v", err)
	}
	if len(lists) != 1 || len(lists["can0"]) != 1 || lists["can0"][0].Identity != device.Normal(3) {
		t.Errorf("devices = %+v", lists)
	}

	resp = h.svc.Execute(context.Background(), RequestMessage{RequestID: "b", Action: ActionReset})
	if !resp.Success {
		t.Fatalf("reset failed: %+v", resp.Error)
	}
	if n := len(h.manager.List()["can0"]); n != 0 {
		t.Errorf("can0 has %d devices after reset", n)
	}

	resp = h.svc.Execute(context.Background(), RequestMessage{RequestID: "c", Action: ActionStats})
	if !resp.Success {
		t.Fatalf("stats failed: %+v", resp.Error)
	}
	var stats serviceStats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Manager.Discovered != 1 {
		t.Errorf("manager discovered = %d, want 1", stats.Manager.Discovered)
	}
	if stats.Service.Requests != 0 || stats.Service.Resets != 0 {
		t.Errorf("service = %+v", stats.Service)
	}
}

func TestRunTicksAndServesRequests(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{TickInterval: 10 * time.Millisecond, HealthInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for h.conns["can1"].sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.conns["can0"].mu.Lock()
	first := h.conns["can0"].sent[0]
	h.conns["can0"].mu.Unlock()
	if _, ok := first.Msg.(frame.EnumerateRequest); !ok || first.DeviceID != frame.DeviceIDBroadcast {
		t.Errorf("first frame = %+v, want broadcast EnumerateRequest", first)
	}

	var handler mqtt.MessageHandler
	for handler == nil && time.Now().Before(deadline) {
		handler = h.mqtt.handler(RequestSubscribeTopic())
		time.Sleep(5 * time.Millisecond)
	}
	if handler == nil {
		t.Fatal("request topic not subscribed")
	}
	if err := handler(RequestTopic("r-9"), []byte(`{"request_id":"r-9","action":"stats"}`)); err != nil {
		t.Fatalf("request handler error = %v", err)
	}

	resp := h.mqtt.waitFor(t, ResponseTopic("r-9"))
	var msg ResponseMessage
	if err := json.Unmarshal(resp.payload, &msg); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !msg.Success || msg.RequestID != "r-9" {
		t.Errorf("response = %+v", msg)
	}

	health := h.mqtt.waitFor(t, HealthTopic())
	if !health.retained {
		t.Error("health not retained")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunPublishesEventsAndDeviceLists(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{TickInterval: time.Hour, HealthInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.svc.Run(ctx) //nolint:errcheck // stopped by cancel

	h.conns["can1"].inject(announce(77, "2.0.0"))

	ev := h.mqtt.waitFor(t, EventsTopic("can1"))
	var event device.Event
	if err := json.Unmarshal(ev.payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Kind != device.EventDiscovered || event.Identity != device.Normal(77) {
		t.Errorf("event = %+v", event)
	}

	list := h.mqtt.waitFor(t, DevicesTopic("can1"))
	if !list.retained {
		t.Error("device list not retained")
	}
	var devices DevicesMessage
	if err := json.Unmarshal(list.payload, &devices); err != nil {
		t.Fatalf("unmarshal devices: %v", err)
	}
	if len(devices.Devices) != 1 || devices.Devices[0].Identity != device.Normal(77) {
		t.Errorf("devices = %+v", devices)
	}
}

func TestSampleWritesTelemetry(t *testing.T) {
	tel := &fakeTelemetry{}
	h := newServiceHarness(t, ServiceOptions{Telemetry: tel})
	h.conns["can0"].inject(announce(1, "2.0.0"))
	h.conns["can0"].inject(announce(2, "2.0.0"))

	h.svc.sample()

	tel.mu.Lock()
	defer tel.mu.Unlock()
	if len(tel.manager) != 1 || tel.manager[0].Discovered != 2 {
		t.Errorf("manager samples = %+v", tel.manager)
	}
	if tel.domains["can0"] != 2 || tel.domains["can1"] != 0 {
		t.Errorf("domain samples = %+v", tel.domains)
	}
	if !tel.bridges["can1"].Connected {
		t.Errorf("bridge samples = %+v", tel.bridges)
	}
}

func TestRequestsDuringStop(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 200 {
			payload := fmt.Sprintf(`{"request_id":"r-%d","action":"stats"}`, i)
			if err := h.svc.handleRequest(RequestTopic("r"), []byte(payload)); err != nil {
				t.Errorf("handleRequest() error = %v", err)
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	h.svc.Stop()
	<-done

	before := h.svc.GetMetrics().Requests
	if err := h.svc.handleRequest(RequestTopic("late"), []byte(`{"request_id":"late","action":"stats"}`)); err != nil {
		t.Fatalf("handleRequest() after Stop error = %v", err)
	}
	if got := h.svc.GetMetrics().Requests; got != before {
		t.Errorf("Requests = %d after Stop, want %d", got, before)
	}
}

func TestTickFailureCounted(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{})
	h.conns["can0"].sendErr = ErrNotConnected

	h.svc.tick(context.Background())
	h.svc.tick(context.Background())

	if got := h.svc.GetMetrics().TickErrors; got != 2 {
		t.Errorf("TickErrors = %d, want 2", got)
	}
}

func TestHealthDegradedWhenBusDown(t *testing.T) {
	h := newServiceHarness(t, ServiceOptions{})
	h.conns["can1"].mu.Lock()
	h.conns["can1"].connected = false
	h.conns["can1"].mu.Unlock()

	status, reason := h.svc.health.determineStatus()
	if status != HealthDegraded || !strings.Contains(reason, "can1") {
		t.Errorf("determineStatus() = %s %q, want degraded naming can1", status, reason)
	}

	msg := h.svc.health.Message(status, reason)
	if len(msg.Domains) != 2 || msg.Domains[0].Domain != "can0" || msg.Domains[1].Connected {
		t.Errorf("health domains = %+v", msg.Domains)
	}
}

func TestEventFeedDropsWhenFull(t *testing.T) {
	feed := NewEventFeed(1)
	feed.RecordEvent(device.Event{Kind: device.EventDiscovered})
	feed.RecordEvent(device.Event{Kind: device.EventEvicted})
	if feed.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", feed.Dropped())
	}
}
