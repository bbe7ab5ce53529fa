package canbus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/mqtt"
)

// Protocol is the bridge name used in MQTT topics.
const Protocol = "canbus"

// Request actions accepted on the request topic.
const (
	ActionCall    = "call"
	ActionDevices = "devices"
	ActionReset   = "reset"
	ActionStats   = "stats"
)

// Error codes carried in ResponseError.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnknownAction  = "UNKNOWN_ACTION"
	ErrCodeUnknownDomain  = "UNKNOWN_DOMAIN"
	ErrCodeNotFound       = "DEVICE_NOT_FOUND"
	ErrCodeUnsupported    = "UNSUPPORTED_OPERATION"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeVersionGated   = "VERSION_GATED"
	ErrCodeBusy           = "UPDATE_IN_PROGRESS"
	ErrCodeRejected       = "FIRMWARE_REJECTED"
	ErrCodeAddressUnknown = "ADDRESS_UNKNOWN"
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// RequestMessage is a remote request.
// Topic: grapplehook/request/canbus/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is one of call, devices, reset, stats.
	Action string `json:"action"`

	// Domain and Identity address the device for call.
	Domain   device.Domain    `json:"domain,omitempty"`
	Identity *device.Identity `json:"identity,omitempty"`

	// Payload is passed verbatim to the driver for call.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: grapplehook/response/canbus/{request_id}
type ResponseMessage struct {
	RequestID string          `json:"request_id"`
	Timestamp time.Time       `json:"timestamp"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
}

// ResponseError describes a failed request.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DevicesMessage is the retained device list of one domain.
// Topic: grapplehook/devices/{domain}
type DevicesMessage struct {
	Domain    device.Domain    `json:"domain"`
	Timestamp time.Time        `json:"timestamp"`
	Devices   []device.Listing `json:"devices"`
}

// HealthStatus is the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published retained on grapplehook/health/canbus.
type HealthMessage struct {
	Bridge        string         `json:"bridge"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        HealthStatus   `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Domains       []DomainHealth `json:"domains"`
	Reason        string         `json:"reason,omitempty"`
}

// DomainHealth is the per-domain part of HealthMessage.
type DomainHealth struct {
	Domain         device.Domain `json:"domain"`
	Connected      bool          `json:"connected"`
	Devices        int           `json:"devices"`
	PendingReplies int           `json:"pending_replies"`
	FramesRx       uint64        `json:"frames_rx"`
	FramesTx       uint64        `json:"frames_tx"`
	FramesDropped  uint64        `json:"frames_dropped"`
	Errors         uint64        `json:"errors"`
	Reconnects     uint64        `json:"reconnects"`
}

// errorCode maps an error to a response code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, device.ErrUnknownDomain):
		return ErrCodeUnknownDomain
	case errors.Is(err, device.ErrDeviceNotFound):
		return ErrCodeNotFound
	case errors.Is(err, device.ErrInvalidRequest), errors.Is(err, device.ErrInvalidIdentity):
		return ErrCodeInvalidRequest
	case errors.Is(err, device.ErrUnsupportedOp):
		return ErrCodeUnsupported
	case errors.Is(err, device.ErrReplyTimeout):
		return ErrCodeTimeout
	case errors.Is(err, device.ErrVersionGated):
		return ErrCodeVersionGated
	case errors.Is(err, device.ErrUpdateInProgress):
		return ErrCodeBusy
	case errors.Is(err, device.ErrFirmwareRejected):
		return ErrCodeRejected
	case errors.Is(err, device.ErrAddressUnknown):
		return ErrCodeAddressUnknown
	case errors.Is(err, ErrNotConnected):
		return ErrCodeNotConnected
	default:
		return ErrCodeInternal
	}
}

// Topic helpers.

var topics mqtt.Topics

// RequestSubscribeTopic matches every request to this bridge.
func RequestSubscribeTopic() string { return topics.AllBridgeRequests(Protocol) }

// RequestTopic is where a request with requestID is sent.
func RequestTopic(requestID string) string { return topics.BridgeRequest(Protocol, requestID) }

// ResponseTopic is where the response to requestID is published.
func ResponseTopic(requestID string) string { return topics.BridgeResponse(Protocol, requestID) }

// HealthTopic is the retained health topic.
func HealthTopic() string { return topics.BridgeHealth(Protocol) }

// DevicesTopic is the retained device list of domain.
func DevicesTopic(domain device.Domain) string { return topics.Devices(string(domain)) }

// EventsTopic carries registry events of domain.
func EventsTopic(domain device.Domain) string { return topics.DeviceEvents(string(domain)) }
