// Package canbus connects the device manager to CAN bus segments through the
// canbridge daemon.
//
// # Architecture
//
//	┌──────────────┐  frames   ┌──────────────┐  socket  ┌───────────┐
//	│   Manager    │◄─────────►│   Service    │◄────────►│ canbridge │◄──► CAN
//	│ (device pkg) │  OnTick   │  (this pkg)  │  Client  │  daemon   │
//	└──────────────┘           └──────┬───────┘          └───────────┘
//	                                  │ MQTT
//	                                  ▼
//	                    requests / health / device lists
//
// One Client per domain speaks the daemon protocol over a Unix or TCP
// socket. Every daemon message is size(2) + type(2) + payload, big endian,
// where size counts type and payload. A session starts with MsgOpen and then
// carries MsgFrame messages of id(4) + data.
//
// The Service routes decoded frames to Manager.OnMessage in arrival order,
// runs the enumeration tick, calls Manager.Reset after a reconnection (device
// state from the old session is stale) and answers MQTT requests:
//
//	grapplehook/request/canbus/{id}    call | devices | reset | stats
//	grapplehook/response/canbus/{id}   ResponseMessage
//	grapplehook/health/canbus          retained HealthMessage
//	grapplehook/devices/{domain}       retained DevicesMessage
//	grapplehook/event/{domain}         device.Event
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package canbus
