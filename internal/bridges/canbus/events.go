package canbus

import (
	"slices"
	"sync/atomic"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
)

const defaultEventQueueSize = 128

// EventFeed is a device.Observer that buffers registry events for the
// service to publish. RecordEvent never blocks; overflow is dropped.
//
// The feed must exist before the manager is built, so it is a separate
// value handed to both.
type EventFeed struct {
	ch      chan device.Event
	dropped atomic.Uint64
}

// NewEventFeed returns a feed buffering up to size events.
func NewEventFeed(size int) *EventFeed {
	if size <= 0 {
		size = defaultEventQueueSize
	}
	return &EventFeed{ch: make(chan device.Event, size)}
}

// RecordEvent implements device.Observer.
func (f *EventFeed) RecordEvent(ev device.Event) {
	select {
	case f.ch <- ev:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns how many events overflowed the buffer.
func (f *EventFeed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *EventFeed) events() <-chan device.Event {
	return f.ch
}

func sortDomains(domains []device.Domain) {
	slices.Sort(domains)
}
