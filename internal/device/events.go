package device

import (
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// EventKind classifies registry lifecycle events.
type EventKind string

const (
	// EventDiscovered is emitted when a driver is built for an unseen identity.
	EventDiscovered EventKind = "discovered"

	// EventDisplaced is emitted when an entry is removed because the same
	// serial was announced in the other mode.
	EventDisplaced EventKind = "displaced"

	// EventEvicted is emitted when an entry stopped announcing itself.
	EventEvicted EventKind = "evicted"

	// EventReset is emitted for every entry cleared by Reset.
	EventReset EventKind = "reset"
)

// Event describes one change to the registry.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Domain   Domain        `json:"domain"`
	Identity Identity      `json:"identity"`
	Model    frame.ModelID `json:"model"`
	Class    string        `json:"class"`
	At       time.Time     `json:"at"`
}

// Observer receives registry events. It is called after the registry lock
// is released and must not block.
type Observer interface {
	RecordEvent(Event)
}

type noopObserver struct{}

func (noopObserver) RecordEvent(Event) {}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) RecordEvent(ev Event) {
	for _, obs := range o {
		obs.RecordEvent(ev)
	}
}
