package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// MaybeGate builds the model's driver, or a VersionGatedDriver when the
// announced firmware is not compatible with it.
func MaybeGate(model Model, link *Link, info *InfoCell) Driver {
	if model.Compatible != nil && !model.Compatible(info.Load().Version()) {
		return NewVersionGatedDriver(model, info)
	}
	return model.Build(link, info)
}

// VersionGatedDriver stands in for a device whose firmware the model's
// driver cannot talk to. It only answers "info".
type VersionGatedDriver struct {
	model Model
	info  *InfoCell
}

// NewVersionGatedDriver returns a gated stand-in for model.
func NewVersionGatedDriver(model Model, info *InfoCell) *VersionGatedDriver {
	return &VersionGatedDriver{model: model, info: info}
}

type gatedInfo struct {
	Model           frame.ModelID `json:"model"`
	Class           string        `json:"class"`
	FirmwareVersion string        `json:"firmware_version"`
	Requirement     string        `json:"requirement"`
}

func (d *VersionGatedDriver) Handle(context.Context, frame.MessageID, frame.Tagged) error {
	return nil
}

func (d *VersionGatedDriver) Call(_ context.Context, req json.RawMessage) (json.RawMessage, error) {
	op, err := DecodeRequest(req, nil)
	if err != nil {
		return nil, err
	}

	version := d.info.Load().Version()
	if op != "info" {
		return nil, fmt.Errorf("%w: %s firmware %q, requires %s",
			ErrVersionGated, d.model.ID, version, d.model.Requirement)
	}
	return Reply(gatedInfo{
		Model:           d.model.ID,
		Class:           d.model.Class,
		FirmwareVersion: version,
		Requirement:     d.model.Requirement,
	})
}

func (d *VersionGatedDriver) DeviceClass() string {
	return ClassVersionGated
}
