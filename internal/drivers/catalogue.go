// Package drivers provides the model catalogue and the generic driver used
// for every product the hook knows how to talk to.
package drivers

import (
	"slices"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// modelDefaults are the products shipped in the default catalogue.
var modelDefaults = []struct {
	id        frame.ModelID
	blockSize int
	major     string
}{
	{frame.ModelLaserCAN, 8, "v2"},
	{frame.ModelMitoCANdria, 64, "v2"},
	{frame.ModelFlexiCAN, 64, "v1"},
}

// Catalogue is a registry of device models keyed by announced model id.
type Catalogue struct {
	mu     sync.RWMutex
	models map[frame.ModelID]device.Model
}

// NewCatalogue returns an empty catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{models: make(map[frame.ModelID]device.Model)}
}

// DefaultCatalogue returns the built-in models. requirements overrides the
// expected firmware major version per model name (e.g. "LaserCAN": "v3");
// an empty value disables gating for that model.
func DefaultCatalogue(requirements map[string]string) *Catalogue {
	c := NewCatalogue()
	for _, d := range modelDefaults {
		major := d.major
		if req, ok := requirements[d.id.String()]; ok {
			major = req
		}
		c.Register(GenericModel(d.id, d.blockSize, major))
	}
	return c
}

// GenericModel describes a product driven by the Generic driver. A
// non-empty major gates firmware whose major version differs.
func GenericModel(id frame.ModelID, blockSize int, major string) device.Model {
	m := device.Model{
		ID:             id,
		Class:          id.String(),
		FlashBlockSize: blockSize,
		Build: func(link *device.Link, info *device.InfoCell) device.Driver {
			return NewGeneric(id.String(), link, info)
		},
	}
	if major != "" {
		major = canonicalVersion(major)
		m.Compatible = RequireMajor(major)
		m.Requirement = semver.Major(major) + ".x"
	}
	return m
}

// Register adds or replaces a model.
func (c *Catalogue) Register(m device.Model) {
	c.mu.Lock()
	c.models[m.ID] = m
	c.mu.Unlock()
}

// Lookup implements device.Catalogue.
func (c *Catalogue) Lookup(id frame.ModelID) (device.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// Models returns the registered models ordered by id.
func (c *Catalogue) Models() []device.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]device.Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b device.Model) int {
		return int(a.ID) - int(b.ID)
	})
	return out
}

// RequireMajor returns a gating policy accepting firmware versions with the
// same major version as want. Unparseable versions are rejected.
func RequireMajor(want string) func(string) bool {
	major := semver.Major(canonicalVersion(want))
	return func(version string) bool {
		v := canonicalVersion(version)
		return semver.IsValid(v) && semver.Major(v) == major
	}
}

// canonicalVersion adds the "v" prefix devices leave off.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
