// Package api serves the local HTTP API and the live device feed.
//
// Routes (all under /api/v1):
//
//	GET  /health                                    bus connection and daemon status
//	GET  /stats                                     manager, bridge and journal counters
//	GET  /devices[?domain=]                         live device listings
//	POST /domains/{domain}/devices/{identity}/call  forward a JSON request to a driver
//	POST /reset                                     clear every registry
//	GET  /events[?domain=&kind=&serial=&limit=&offset=]  device journal
//	GET  /ws                                        websocket device feed
//
// Identities in paths use the "<mode>:<serial>" form, e.g. normal:1234.
// Errors are returned as {"status","code","message"}.
//
// The websocket Hub must be registered as a device.Observer when the
// manager is built; clients then receive one "event" message per registry
// change and a "devices" snapshot after each burst.
package api
