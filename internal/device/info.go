package device

import (
	"sync"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// Info is the latest announced snapshot of one device. It is replaced
// wholesale on every announcement.
type Info struct {
	Model           frame.ModelID `json:"device_type"`
	FirmwareVersion *string       `json:"firmware_version"`
	Serial          *uint32       `json:"serial"`
	IsDFU           bool          `json:"is_dfu"`
	IsDFUInProgress bool          `json:"is_dfu_in_progress"`
	Name            *string       `json:"name"`
	DeviceID        *uint8        `json:"device_id"`
}

// InfoFromAnnouncement builds the snapshot carried by a discovery response
// received from deviceID.
func InfoFromAnnouncement(deviceID uint8, resp frame.EnumerateResponse) Info {
	info := Info{
		Model:           resp.Model,
		Serial:          ptr(resp.Serial),
		IsDFU:           resp.IsDFU,
		IsDFUInProgress: resp.IsDFUInProgress,
		DeviceID:        ptr(deviceID),
	}
	if resp.Version != "" {
		info.FirmwareVersion = ptr(resp.Version)
	}
	if resp.Name != "" {
		info.Name = ptr(resp.Name)
	}
	return info
}

// Identity derives the registry key of the snapshot.
func (i Info) Identity() Identity {
	var serial uint32
	if i.Serial != nil {
		serial = *i.Serial
	}
	if i.IsDFU {
		return Recovery(serial)
	}
	return Normal(serial)
}

// Version returns the firmware version or "" when none was announced.
func (i Info) Version() string {
	if i.FirmwareVersion == nil {
		return ""
	}
	return *i.FirmwareVersion
}

// Clone returns a deep copy of the snapshot.
func (i Info) Clone() Info {
	c := i
	if i.FirmwareVersion != nil {
		c.FirmwareVersion = ptr(*i.FirmwareVersion)
	}
	if i.Serial != nil {
		c.Serial = ptr(*i.Serial)
	}
	if i.Name != nil {
		c.Name = ptr(*i.Name)
	}
	if i.DeviceID != nil {
		c.DeviceID = ptr(*i.DeviceID)
	}
	return c
}

// InfoCell holds the Info of one registry entry. The registry and the
// entry's driver share the same cell.
type InfoCell struct {
	mu   sync.RWMutex
	info Info
}

// NewInfoCell returns a cell holding info.
func NewInfoCell(info Info) *InfoCell {
	return &InfoCell{info: info.Clone()}
}

// Load returns a copy of the current snapshot.
func (c *InfoCell) Load() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.Clone()
}

// Store replaces the snapshot.
func (c *InfoCell) Store(info Info) {
	info = info.Clone()
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}

func ptr[T any](v T) *T {
	return &v
}
