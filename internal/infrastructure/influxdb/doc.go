// Package influxdb writes bus telemetry to InfluxDB v2.
//
// The service samples the device manager and each bus connection on its
// health interval and records three measurements:
//
//	manager  cumulative registry counters (discovered, evicted, ...)
//	domain   devices and pending reply waiters, tagged by domain
//	bridge   transport frame counters, tagged by domain
//
// Writes go through the client's non-blocking batch API. Every write method
// is a no-op on a nil or disconnected client, so callers need not check
// whether telemetry is enabled.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteDomainStats("can0", 3, 0)
package influxdb
