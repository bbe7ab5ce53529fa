package canbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher publishes health messages, typically over MQTT.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatsSource supplies per-domain registry counts.
type StatsSource interface {
	Stats() device.Stats
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	Version string

	// Interval defaults to 30 seconds.
	Interval time.Duration

	Publisher  HealthPublisher
	Connectors map[device.Domain]Connector
	Manager    StatsSource
}

// HealthReporter publishes retained bridge health at a fixed interval.
type HealthReporter struct {
	version    string
	startTime  time.Time
	interval   time.Duration
	publisher  HealthPublisher
	connectors map[device.Domain]Connector
	domains    []device.Domain
	manager    StatsSource

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter returns a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	domains := make([]device.Domain, 0, len(cfg.Connectors))
	for d := range cfg.Connectors {
		domains = append(domains, d)
	}
	sortDomains(domains)

	return &HealthReporter{
		version:    cfg.Version,
		startTime:  time.Now(),
		interval:   interval,
		publisher:  cfg.Publisher,
		connectors: cfg.Connectors,
		domains:    domains,
		manager:    cfg.Manager,
		done:       make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status. Safe to call
// more than once.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus is degraded when MQTT or any bus connection is down.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	var down []string
	for _, d := range h.domains {
		if !h.connectors[d].IsConnected() {
			down = append(down, string(d))
		}
	}
	if len(down) > 0 {
		return HealthDegraded, "bus disconnected: " + strings.Join(down, ", ")
	}
	return HealthHealthy, ""
}

// Message builds a health message for status.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	var stats device.Stats
	if h.manager != nil {
		stats = h.manager.Stats()
	}

	msg := HealthMessage{
		Bridge:        Protocol,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Domains:       make([]DomainHealth, 0, len(h.domains)),
		Reason:        reason,
	}
	for _, d := range h.domains {
		cs := h.connectors[d].Stats()
		msg.Domains = append(msg.Domains, DomainHealth{
			Domain:         d,
			Connected:      cs.Connected,
			Devices:        stats.Devices[d],
			PendingReplies: stats.PendingReplies[d],
			FramesRx:       cs.FramesRx,
			FramesTx:       cs.FramesTx,
			FramesDropped:  cs.FramesDropped,
			Errors:         cs.ErrorsTotal,
			Reconnects:     cs.ReconnectsTotal,
		})
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
