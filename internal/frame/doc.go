// Package frame defines the wire model of the device bus.
//
// Every frame on the bus carries a 29-bit extended identifier and up to a
// few hundred bytes of payload (long payloads are reassembled by the bus
// bridge daemon before they reach this process). The identifier packs the
// target device class, manufacturer, API class/index and the 6-bit device
// address:
//
//	 28      24 23            16 15        10 9      6 5        0
//	┌──────────┬────────────────┬────────────┬────────┬──────────┐
//	│ dev type │  manufacturer  │ API class  │ index  │ dev id   │
//	└──────────┴────────────────┴────────────┴────────┴──────────┘
//
// Decoded frames are represented as a Tagged value: the 6-bit device id
// plus one Message variant. The device manager only interprets the
// discovery messages; every other variant is opaque to it and handed to
// the per-device drivers untouched.
//
// # Usage
//
//	id, data := frame.Encode(frame.Tagged{
//	    DeviceID: frame.DeviceIDBroadcast,
//	    Msg:      frame.EnumerateRequest{},
//	})
//	...
//	id, tagged, err := frame.Decode(raw, data)
package frame
