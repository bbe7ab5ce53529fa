package canbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/influxdb"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/mqtt"
)

const (
	defaultTickInterval = 500 * time.Millisecond
	defaultCallTimeout  = 30 * time.Second
	defaultQoS          = 1
)

// MQTTClient is the MQTT surface the service needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Telemetry receives periodic counter samples.
type Telemetry interface {
	WriteManagerStats(counters influxdb.ManagerCounters)
	WriteDomainStats(domain string, devices, pendingReplies int)
	WriteBridgeStats(domain string, counters influxdb.BridgeCounters)
}

// ServiceOptions configure a Service.
type ServiceOptions struct {
	Manager    *device.Manager
	Connectors map[device.Domain]Connector

	// Events is the feed the manager was built with. Optional.
	Events *EventFeed

	// MQTT enables the request surface, health and device lists. Optional.
	MQTT MQTTClient

	// Telemetry is sampled every HealthInterval. Optional.
	Telemetry Telemetry

	TickInterval   time.Duration
	HealthInterval time.Duration
	CallTimeout    time.Duration
	Version        string
	Logger         Logger
}

// Service joins the device manager to its bus connections. It routes inbound
// frames to the manager, drives the enumeration tick, clears the registry
// after a reconnection and serves remote requests over MQTT.
type Service struct {
	manager    *device.Manager
	connectors map[device.Domain]Connector
	events     *EventFeed
	mqtt       MQTTClient
	telemetry  Telemetry
	health     *HealthReporter

	tickInterval   time.Duration
	sampleInterval time.Duration
	callTimeout    time.Duration
	logger         Logger

	// ctx is cancelled by Stop and bounds frame handling and remote calls.
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	// stopMu guards stopped and orders wg.Add against the Wait in Stop.
	stopMu  sync.Mutex
	stopped bool

	tickErrors atomic.Uint64
	tickStreak atomic.Uint64
	resets     atomic.Uint64
	requests   atomic.Uint64
}

// NewService wires the connectors to the manager. Every manager domain must
// have a connector.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	for _, d := range opts.Manager.Domains() {
		if opts.Connectors[d] == nil {
			return nil, fmt.Errorf("no connector for domain %q", d)
		}
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		manager:        opts.Manager,
		connectors:     opts.Connectors,
		events:         opts.Events,
		mqtt:           opts.MQTT,
		telemetry:      opts.Telemetry,
		tickInterval:   orDefault(opts.TickInterval, defaultTickInterval),
		sampleInterval: orDefault(opts.HealthInterval, defaultHealthInterval),
		callTimeout:    orDefault(opts.CallTimeout, defaultCallTimeout),
		logger:         logger,
		ctx:            ctx,
		ctxCancel:      cancel,
	}

	var publisher HealthPublisher
	if opts.MQTT != nil {
		publisher = opts.MQTT
	}
	s.health = NewHealthReporter(HealthReporterConfig{
		Version:    opts.Version,
		Interval:   s.sampleInterval,
		Publisher:  publisher,
		Connectors: opts.Connectors,
		Manager:    opts.Manager,
	})
	s.health.SetLogger(logger)

	for _, d := range opts.Manager.Domains() {
		domain := d
		conn := opts.Connectors[domain]
		conn.SetOnMessage(func(id frame.MessageID, msg frame.Tagged) {
			s.manager.OnMessage(s.ctx, domain, id, msg)
		})
		conn.SetOnReconnect(func() {
			s.resets.Add(1)
			s.logger.Info("bus reconnected, clearing registry", "domain", domain)
			s.manager.Reset()
		})
	}

	return s, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Run drives the service until ctx is cancelled. It returns an error only
// when startup fails.
func (s *Service) Run(ctx context.Context) error {
	if s.mqtt != nil {
		if err := s.health.PublishStarting(); err != nil {
			s.logger.Warn("failed to publish starting status", "error", err)
		}
		if err := s.mqtt.Subscribe(RequestSubscribeTopic(), defaultQoS, s.handleRequest); err != nil {
			return fmt.Errorf("subscribe to requests: %w", err)
		}
		s.health.Start(ctx)
	}

	s.logger.Info("canbus service started",
		"domains", len(s.connectors),
		"tick_interval", s.tickInterval.String())

	tick := time.NewTicker(s.tickInterval)
	defer tick.Stop()
	sample := time.NewTicker(s.sampleInterval)
	defer sample.Stop()

	var events <-chan device.Event
	if s.events != nil {
		events = s.events.events()
	}

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case <-s.ctx.Done():
			return nil
		case <-tick.C:
			s.tick(ctx)
		case <-sample.C:
			s.sample()
		case ev := <-events:
			s.publishEvent(ev)
		}
	}
}

// Stop cancels in-flight work and publishes a final health status.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.stopMu.Lock()
		s.stopped = true
		s.ctxCancel()
		s.stopMu.Unlock()

		s.wg.Wait()
		if s.mqtt != nil {
			s.health.Stop()
		}
		s.logger.Info("canbus service stopped")
	})
}

func (s *Service) tick(ctx context.Context) {
	if err := s.manager.OnTick(ctx); err != nil {
		s.tickErrors.Add(1)
		// Warn once per run of failures.
		if s.tickStreak.Add(1) == 1 {
			s.logger.Warn("enumeration tick failed", "error", err)
		} else {
			s.logger.Debug("enumeration tick failed", "error", err)
		}
		return
	}
	if n := s.tickStreak.Swap(0); n > 1 {
		s.logger.Info("enumeration recovered", "failed_ticks", n)
	}
}

// sample writes telemetry and republishes device lists.
func (s *Service) sample() {
	stats := s.manager.Stats()

	if s.telemetry != nil {
		s.telemetry.WriteManagerStats(influxdb.ManagerCounters{
			Ticks:                stats.Ticks,
			Discovered:           stats.Discovered,
			Displaced:            stats.Displaced,
			Evicted:              stats.Evicted,
			AnnouncementsDropped: stats.AnnouncementsDropped,
			SweepsSkipped:        stats.SweepsSkipped,
			UnknownModels:        stats.UnknownModels,
			HandlerErrors:        stats.HandlerErrors,
			RepliesDelivered:     stats.RepliesDelivered,
		})
		for _, d := range s.manager.Domains() {
			cs := s.connectors[d].Stats()
			s.telemetry.WriteDomainStats(string(d), stats.Devices[d], stats.PendingReplies[d])
			s.telemetry.WriteBridgeStats(string(d), influxdb.BridgeCounters{
				FramesRx:   cs.FramesRx,
				FramesTx:   cs.FramesTx,
				Dropped:    cs.FramesDropped,
				Errors:     cs.ErrorsTotal,
				Reconnects: cs.ReconnectsTotal,
				Connected:  cs.Connected,
			})
		}
	}

	if s.mqtt != nil && s.mqtt.IsConnected() {
		lists := s.manager.List()
		for _, d := range s.manager.Domains() {
			s.publishDevices(d, lists[d])
		}
	}
}

func (s *Service) publishEvent(ev device.Event) {
	if s.mqtt == nil || !s.mqtt.IsConnected() {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal event", "error", err)
		return
	}
	if err := s.mqtt.Publish(EventsTopic(ev.Domain), payload, defaultQoS, false); err != nil {
		s.logger.Warn("failed to publish event", "domain", ev.Domain, "error", err)
	}

	s.publishDevices(ev.Domain, s.manager.List()[ev.Domain])
}

func (s *Service) publishDevices(domain device.Domain, devices []device.Listing) {
	if devices == nil {
		devices = []device.Listing{}
	}
	payload, err := json.Marshal(DevicesMessage{
		Domain:    domain,
		Timestamp: time.Now().UTC(),
		Devices:   devices,
	})
	if err != nil {
		s.logger.Error("failed to marshal device list", "error", err)
		return
	}
	if err := s.mqtt.Publish(DevicesTopic(domain), payload, defaultQoS, true); err != nil {
		s.logger.Warn("failed to publish device list", "domain", domain, "error", err)
	}
}

// handleRequest runs on a paho goroutine, so the work is moved off it.
func (s *Service) handleRequest(_ string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	if req.RequestID == "" {
		return fmt.Errorf("request without request_id")
	}

	s.stopMu.Lock()
	if s.stopped {
		s.stopMu.Unlock()
		s.logger.Debug("service stopping, dropping request", "request_id", req.RequestID)
		return nil
	}
	s.requests.Add(1)
	s.wg.Add(1)
	s.stopMu.Unlock()

	go func() {
		defer s.wg.Done()
		resp := s.Execute(s.ctx, req)
		s.publishResponse(resp)
	}()
	return nil
}

// Execute performs one request and builds its response.
func (s *Service) Execute(ctx context.Context, req RequestMessage) ResponseMessage {
	resp := ResponseMessage{RequestID: req.RequestID}

	data, err := s.execute(ctx, req)
	resp.Timestamp = time.Now().UTC()
	if err != nil {
		resp.Error = &ResponseError{Code: errorCode(err), Message: err.Error()}
		if errors.Is(err, errUnknownAction) {
			resp.Error.Code = ErrCodeUnknownAction
		}
		return resp
	}
	resp.Success = true
	resp.Data = data
	return resp
}

var errUnknownAction = errors.New("canbus: unknown action")

func (s *Service) execute(ctx context.Context, req RequestMessage) (json.RawMessage, error) {
	switch req.Action {
	case ActionCall:
		if req.Domain == "" || req.Identity == nil {
			return nil, fmt.Errorf("%w: call needs domain and identity", device.ErrInvalidRequest)
		}
		if len(req.Payload) == 0 {
			return nil, fmt.Errorf("%w: call needs a payload", device.ErrInvalidRequest)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		return s.manager.Call(callCtx, req.Domain, *req.Identity, req.Payload)

	case ActionDevices:
		lists := s.manager.List()
		if req.Domain != "" {
			devices, ok := lists[req.Domain]
			if !ok {
				return nil, fmt.Errorf("%w: %s", device.ErrUnknownDomain, req.Domain)
			}
			return json.Marshal(map[device.Domain][]device.Listing{req.Domain: devices})
		}
		return json.Marshal(lists)

	case ActionReset:
		s.manager.Reset()
		return json.Marshal(map[string]bool{"reset": true})

	case ActionStats:
		return json.Marshal(serviceStats{Manager: s.manager.Stats(), Service: s.GetMetrics()})

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownAction, req.Action)
	}
}

func (s *Service) publishResponse(resp ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		return
	}
	if err := s.mqtt.Publish(ResponseTopic(resp.RequestID), payload, defaultQoS, false); err != nil {
		s.logger.Warn("failed to publish response", "request_id", resp.RequestID, "error", err)
	}
}

// Metrics are service counters.
type Metrics struct {
	TickErrors    uint64 `json:"tick_errors"`
	Resets        uint64 `json:"resets"`
	Requests      uint64 `json:"requests"`
	EventsDropped uint64 `json:"events_dropped"`
}

type serviceStats struct {
	Manager device.Stats `json:"manager"`
	Service Metrics      `json:"service"`
}

// GetMetrics returns service counters.
func (s *Service) GetMetrics() Metrics {
	m := Metrics{
		TickErrors: s.tickErrors.Load(),
		Resets:     s.resets.Load(),
		Requests:   s.requests.Load(),
	}
	if s.events != nil {
		m.EventsDropped = s.events.Dropped()
	}
	return m
}
