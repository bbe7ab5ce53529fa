package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by this package.
const (
	measurementManager = "manager"
	measurementDomain  = "domain"
	measurementBridge  = "bridge"
)

// ManagerCounters are the cumulative registry counters of the device manager.
type ManagerCounters struct {
	Ticks                uint64
	Discovered           uint64
	Displaced            uint64
	Evicted              uint64
	AnnouncementsDropped uint64
	SweepsSkipped        uint64
	UnknownModels        uint64
	HandlerErrors        uint64
	RepliesDelivered     uint64
}

// BridgeCounters are the transport counters of one bus connection.
type BridgeCounters struct {
	FramesRx   uint64
	FramesTx   uint64
	Dropped    uint64
	Errors     uint64
	Reconnects uint64
	Connected  bool
}

// WriteManagerStats records the manager counters. The write is batched and
// silently skipped while disconnected.
func (c *Client) WriteManagerStats(counters ManagerCounters) {
	c.WritePoint(managerPoint(counters, time.Now()))
}

// WriteDomainStats records the device count and outstanding reply waiters of
// one domain.
func (c *Client) WriteDomainStats(domain string, devices, pendingReplies int) {
	c.WritePoint(domainPoint(domain, devices, pendingReplies, time.Now()))
}

// WriteBridgeStats records transport counters for one domain.
func (c *Client) WriteBridgeStats(domain string, counters BridgeCounters) {
	c.WritePoint(bridgePoint(domain, counters, time.Now()))
}

// WritePoint queues an arbitrary point.
func (c *Client) WritePoint(p *write.Point) {
	if !c.IsConnected() || c.writeAPI == nil {
		return
	}
	c.writeAPI.WritePoint(p)
}

func managerPoint(s ManagerCounters, ts time.Time) *write.Point {
	return write.NewPoint(measurementManager, nil, map[string]any{
		"ticks":                 s.Ticks,
		"discovered":            s.Discovered,
		"displaced":             s.Displaced,
		"evicted":               s.Evicted,
		"announcements_dropped": s.AnnouncementsDropped,
		"sweeps_skipped":        s.SweepsSkipped,
		"unknown_models":        s.UnknownModels,
		"handler_errors":        s.HandlerErrors,
		"replies_delivered":     s.RepliesDelivered,
	}, ts)
}

func domainPoint(domain string, devices, pending int, ts time.Time) *write.Point {
	return write.NewPoint(measurementDomain,
		map[string]string{"domain": domain},
		map[string]any{
			"devices":         devices,
			"pending_replies": pending,
		}, ts)
}

func bridgePoint(domain string, s BridgeCounters, ts time.Time) *write.Point {
	return write.NewPoint(measurementBridge,
		map[string]string{"domain": domain},
		map[string]any{
			"frames_rx":  s.FramesRx,
			"frames_tx":  s.FramesTx,
			"dropped":    s.Dropped,
			"errors":     s.Errors,
			"reconnects": s.Reconnects,
			"connected":  s.Connected,
		}, ts)
}
