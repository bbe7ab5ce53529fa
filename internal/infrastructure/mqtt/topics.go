package mqtt

import "fmt"

// Topic prefixes.
//
// Bridge topics use the flat scheme grapplehook/{category}/{protocol}/{id}.
const (
	// TopicPrefix is the root of every GrappleHook topic.
	TopicPrefix = "grapplehook"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "grapplehook/system"
)

// Topics provides builders for GrappleHook MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.BridgeHealth("canbus")  // "grapplehook/health/canbus"
type Topics struct{}

// BridgeRequest returns the topic a request with requestID is sent on.
//
// Example: grapplehook/request/canbus/req-abc123
func (Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, protocol, requestID)
}

// BridgeResponse returns the topic the response to requestID is published on.
//
// Example: grapplehook/response/canbus/req-abc123
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, protocol, requestID)
}

// BridgeHealth returns the retained health topic of a bridge.
//
// Example: grapplehook/health/canbus
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// Devices returns the retained device-list topic of one domain.
//
// Example: grapplehook/devices/can0
func (Topics) Devices(domain string) string {
	return fmt.Sprintf("%s/devices/%s", TopicPrefix, domain)
}

// DeviceEvents returns the topic registry events of one domain are published on.
//
// Example: grapplehook/event/can0
func (Topics) DeviceEvents(domain string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, domain)
}

// SystemStatus returns the online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllBridgeRequests matches every request for a bridge.
func (Topics) AllBridgeRequests(protocol string) string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, protocol)
}

// AllDevices matches every domain's device list.
func (Topics) AllDevices() string {
	return TopicPrefix + "/devices/+"
}

// AllTopics matches every GrappleHook topic.
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
