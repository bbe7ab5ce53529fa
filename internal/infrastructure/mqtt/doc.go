// Package mqtt provides MQTT client connectivity for GrappleHook.
//
// The hook uses MQTT for its remote surface: dashboards and tooling send
// call/devices/reset requests, receive responses, and watch the retained
// health, status and device-list topics.
//
//	tooling ↔ MQTT broker ↔ GrappleHook ↔ bridge daemon ↔ CAN bus
//
// This package manages the broker connection with auto-reconnect,
// publishing with QoS validation, subscriptions that survive reconnects
// and the Last Will and Testament used for offline detection.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllBridgeRequests("canbus"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
