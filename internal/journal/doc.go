// Package journal records device lifecycle events in SQLite.
//
// The Journal implements device.Observer. RecordEvent never blocks the
// manager: events go onto a bounded queue that Run drains into the
// device_events table, and overflow is dropped and counted. Run also prunes
// rows older than the configured retention once a day.
//
// The journal is a diagnostic log. Nothing reads it back into the device
// registry.
package journal
