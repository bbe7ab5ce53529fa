package device

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

const (
	// DefaultEvictAfter is how long an entry survives without an announcement.
	DefaultEvictAfter = 4 * time.Second

	// DefaultRequestTimeout bounds Link.Request when the caller sets no deadline.
	DefaultRequestTimeout = time.Second
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds Manager construction parameters.
type Config struct {
	// Domains is the fixed set of bus segments and their outbound senders.
	Domains map[Domain]Sender

	// Models resolves announced model ids to drivers.
	Models Catalogue

	// EvictAfter defaults to DefaultEvictAfter.
	EvictAfter time.Duration

	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	Logger   Logger
	Observer Observer

	// Now defaults to time.Now.
	Now func() time.Time
}

// Listing is one row of Manager.List.
type Listing struct {
	Identity    Identity `json:"identity"`
	Info        Info     `json:"info"`
	DeviceClass string   `json:"device_class"`
}

// Stats holds manager counters.
type Stats struct {
	Devices              map[Domain]int `json:"devices"`
	PendingReplies       map[Domain]int `json:"pending_replies"`
	Ticks                uint64         `json:"ticks"`
	Discovered           uint64         `json:"discovered"`
	Displaced            uint64         `json:"displaced"`
	Evicted              uint64         `json:"evicted"`
	AnnouncementsDropped uint64         `json:"announcements_dropped"`
	SweepsSkipped        uint64         `json:"sweeps_skipped"`
	UnknownModels        uint64         `json:"unknown_models"`
	HandlerErrors        uint64         `json:"handler_errors"`
	RepliesDelivered     uint64         `json:"replies_delivered"`
}

type entry struct {
	driver   Driver
	info     *InfoCell
	model    frame.ModelID
	lastSeen time.Time
}

type counters struct {
	ticks                atomic.Uint64
	discovered           atomic.Uint64
	displaced            atomic.Uint64
	evicted              atomic.Uint64
	announcementsDropped atomic.Uint64
	sweepsSkipped        atomic.Uint64
	unknownModels        atomic.Uint64
	handlerErrors        atomic.Uint64
	repliesDelivered     atomic.Uint64
}

// Manager is the registry of live devices across all configured domains.
//
// All public methods are thread-safe.
type Manager struct {
	domains []Domain // sorted
	senders map[Domain]Sender
	replies map[Domain]*ReplyTable
	links   map[Domain]*Link
	models  Catalogue

	mu       sync.RWMutex // protects registry
	registry map[Domain]map[Identity]*entry

	evictAfter time.Duration
	now        func() time.Time
	logger     Logger
	observer   Observer
	stats      counters
}

// New creates a Manager for the configured domains.
func New(cfg Config) (*Manager, error) {
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("device: no domains configured")
	}
	if cfg.Models == nil {
		return nil, fmt.Errorf("device: no model catalogue configured")
	}

	m := &Manager{
		senders:    make(map[Domain]Sender, len(cfg.Domains)),
		replies:    make(map[Domain]*ReplyTable, len(cfg.Domains)),
		links:      make(map[Domain]*Link, len(cfg.Domains)),
		registry:   make(map[Domain]map[Identity]*entry, len(cfg.Domains)),
		models:     cfg.Models,
		evictAfter: cfg.EvictAfter,
		now:        cfg.Now,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
	}
	if m.evictAfter <= 0 {
		m.evictAfter = DefaultEvictAfter
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = noopLogger{}
	}
	if m.observer == nil {
		m.observer = noopObserver{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	for domain, sender := range cfg.Domains {
		if sender == nil {
			return nil, fmt.Errorf("device: domain %q has no sender", domain)
		}
		m.domains = append(m.domains, domain)
		m.senders[domain] = sender
		m.replies[domain] = NewReplyTable()
		m.links[domain] = NewLink(domain, sender, m.replies[domain], timeout)
		m.registry[domain] = make(map[Identity]*entry)
	}
	slices.Sort(m.domains)

	return m, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Domains returns the configured domains in sorted order.
func (m *Manager) Domains() []Domain {
	return slices.Clone(m.domains)
}

// Link returns the driver-facing link for domain. It panics if domain was
// not configured.
func (m *Manager) Link(domain Domain) *Link {
	link, ok := m.links[domain]
	if !ok {
		panic(fmt.Sprintf("device: domain %q is not configured", domain))
	}
	return link
}

// Replies returns the reply table of domain. It panics if domain was not
// configured.
func (m *Manager) Replies(domain Domain) *ReplyTable {
	return m.Link(domain).replies
}

// OnMessage dispatches one inbound frame: waiting callers are satisfied
// first, discovery responses then create or refresh registry entries, and
// finally every driver in the domain is given its own copy of the frame.
// Driver errors are logged and do not stop delivery to other drivers.
//
// It panics if domain was not configured.
func (m *Manager) OnMessage(ctx context.Context, domain Domain, id frame.MessageID, msg frame.Tagged) {
	replies := m.Replies(domain)
	if n := replies.Deliver(id.Uint32(), msg); n > 0 {
		m.stats.repliesDelivered.Add(uint64(n))
	}

	if resp, ok := msg.Msg.(frame.EnumerateResponse); ok {
		m.onAnnouncement(domain, InfoFromAnnouncement(msg.DeviceID, resp))
	}

	m.forward(ctx, domain, id, msg)
}

func (m *Manager) onAnnouncement(domain Domain, info Info) {
	identity := info.Identity()

	model, ok := m.models.Lookup(info.Model)
	if !ok {
		m.stats.unknownModels.Add(1)
		m.logger.Debug("ignoring announcement from unknown model",
			"domain", domain, "identity", identity, "model", info.Model)
		return
	}

	if !m.mu.TryLock() {
		m.stats.announcementsDropped.Add(1)
		m.logger.Debug("registry busy, dropping announcement", "domain", domain, "identity", identity)
		return
	}

	now := m.now()
	devices := m.registry[domain]
	var events []Event

	if e, ok := devices[identity]; ok {
		e.info.Store(info)
		e.lastSeen = now
	} else {
		cell := NewInfoCell(info)
		driver := m.build(domain, identity, model, cell)

		stale := identity.Counterpart()
		if old, ok := devices[stale]; ok {
			delete(devices, stale)
			events = append(events, Event{
				Kind:     EventDisplaced,
				Domain:   domain,
				Identity: stale,
				Model:    old.model,
				Class:    old.driver.DeviceClass(),
				At:       now,
			})
		}

		devices[identity] = &entry{driver: driver, info: cell, model: info.Model, lastSeen: now}
		events = append(events, Event{
			Kind:     EventDiscovered,
			Domain:   domain,
			Identity: identity,
			Model:    info.Model,
			Class:    driver.DeviceClass(),
			At:       now,
		})
	}
	m.mu.Unlock()

	m.emit(events)
}

func (m *Manager) build(domain Domain, identity Identity, model Model, info *InfoCell) Driver {
	link := m.Link(domain)
	if identity.Mode == ModeRecovery {
		return NewFirmwareUpgradeDriver(link, info, model)
	}
	return MaybeGate(model, link, info)
}

type target struct {
	identity Identity
	driver   Driver
}

func (m *Manager) forward(ctx context.Context, domain Domain, id frame.MessageID, msg frame.Tagged) {
	m.mu.RLock()
	devices := m.registry[domain]
	targets := make([]target, 0, len(devices))
	for identity, e := range devices {
		targets = append(targets, target{identity: identity, driver: e.driver})
	}
	m.mu.RUnlock()

	for _, t := range targets {
		if err := t.driver.Handle(ctx, id, msg.Clone()); err != nil {
			m.stats.handlerErrors.Add(1)
			m.logger.Warn("device message handler failed",
				"domain", domain,
				"identity", t.identity,
				"message_id", id,
				"error", err,
			)
		}
	}
}

// OnTick broadcasts a discovery request on every domain, then evicts
// entries that have not announced themselves for the eviction age. A send
// failure aborts the tick and is returned. Eviction is skipped when the
// registry is busy.
func (m *Manager) OnTick(ctx context.Context) error {
	m.stats.ticks.Add(1)

	req := frame.Tagged{DeviceID: frame.DeviceIDBroadcast, Msg: frame.EnumerateRequest{}}
	for _, domain := range m.domains {
		if err := m.senders[domain].Send(ctx, req); err != nil {
			return fmt.Errorf("broadcasting enumerate request on %q: %w", domain, err)
		}
	}

	m.emit(m.sweep())
	return nil
}

func (m *Manager) sweep() []Event {
	if !m.mu.TryLock() {
		m.stats.sweepsSkipped.Add(1)
		m.logger.Debug("registry busy, skipping eviction sweep")
		return nil
	}
	defer m.mu.Unlock()

	now := m.now()
	var events []Event
	for _, domain := range m.domains {
		devices := m.registry[domain]
		for identity, e := range devices {
			if now.Sub(e.lastSeen) < m.evictAfter {
				continue
			}
			delete(devices, identity)
			events = append(events, Event{
				Kind:     EventEvicted,
				Domain:   domain,
				Identity: identity,
				Model:    e.model,
				Class:    e.driver.DeviceClass(),
				At:       now,
			})
		}
	}
	return events
}

// Reset clears every domain's registry. It is used when the transport
// reconnects and waits for in-progress registry access to finish.
func (m *Manager) Reset() {
	m.mu.Lock()
	now := m.now()
	var events []Event
	for _, domain := range m.domains {
		for identity, e := range m.registry[domain] {
			events = append(events, Event{
				Kind:     EventReset,
				Domain:   domain,
				Identity: identity,
				Model:    e.model,
				Class:    e.driver.DeviceClass(),
				At:       now,
			})
		}
		m.registry[domain] = make(map[Identity]*entry)
	}
	m.mu.Unlock()

	if len(events) > 0 {
		m.logger.Info("device registry reset", "cleared", len(events))
	}
	m.emit(events)
}

// Call forwards an opaque request to one device and returns the driver's
// result or error unchanged. The registry is only locked for the lookup.
func (m *Manager) Call(ctx context.Context, domain Domain, identity Identity, req json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	devices, ok := m.registry[domain]
	var e *entry
	if ok {
		e = devices[identity]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: no device with identity %s in domain %q", ErrDeviceNotFound, identity, domain)
	}

	return e.driver.Call(ctx, req)
}

// List returns, for every configured domain, the registered devices
// ordered by identity.
func (m *Manager) List() map[Domain][]Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Domain][]Listing, len(m.domains))
	for _, domain := range m.domains {
		devices := m.registry[domain]
		rows := make([]Listing, 0, len(devices))
		for identity, e := range devices {
			rows = append(rows, Listing{
				Identity:    identity,
				Info:        e.info.Load(),
				DeviceClass: e.driver.DeviceClass(),
			})
		}
		slices.SortFunc(rows, func(a, b Listing) int {
			return a.Identity.Compare(b.Identity)
		})
		out[domain] = rows
	}
	return out
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Devices:              make(map[Domain]int, len(m.domains)),
		PendingReplies:       make(map[Domain]int, len(m.domains)),
		Ticks:                m.stats.ticks.Load(),
		Discovered:           m.stats.discovered.Load(),
		Displaced:            m.stats.displaced.Load(),
		Evicted:              m.stats.evicted.Load(),
		AnnouncementsDropped: m.stats.announcementsDropped.Load(),
		SweepsSkipped:        m.stats.sweepsSkipped.Load(),
		UnknownModels:        m.stats.unknownModels.Load(),
		HandlerErrors:        m.stats.handlerErrors.Load(),
		RepliesDelivered:     m.stats.repliesDelivered.Load(),
	}

	m.mu.RLock()
	for _, domain := range m.domains {
		s.Devices[domain] = len(m.registry[domain])
	}
	m.mu.RUnlock()

	for _, domain := range m.domains {
		s.PendingReplies[domain] = m.replies[domain].Len()
	}
	return s
}

func (m *Manager) emit(events []Event) {
	for _, ev := range events {
		switch ev.Kind {
		case EventDiscovered:
			m.stats.discovered.Add(1)
			m.logger.Info("device discovered", "domain", ev.Domain, "identity", ev.Identity, "model", ev.Model, "class", ev.Class)
		case EventDisplaced:
			m.stats.displaced.Add(1)
			m.logger.Info("device changed mode", "domain", ev.Domain, "identity", ev.Identity)
		case EventEvicted:
			m.stats.evicted.Add(1)
			m.logger.Info("device lost", "domain", ev.Domain, "identity", ev.Identity)
		}
		m.observer.RecordEvent(ev)
	}
}
