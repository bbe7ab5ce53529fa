// Package device tracks the live peripherals of one or more bus segments.
//
// The Manager owns, per domain, a registry mapping device identities to a
// driver instance plus the latest announced Info. It is fed from three
// directions:
//
//	          bus frames                    ticker                 callers
//	              │                            │                      │
//	              ▼                            ▼                      ▼
//	┌──────────────────────────┐  ┌────────────────────────┐  ┌──────────────┐
//	│ OnMessage                │  │ OnTick                 │  │ Call / List  │
//	│  1. deliver replies      │  │  1. broadcast          │  │  read lock   │
//	│  2. create / refresh     │  │     EnumerateRequest   │  │  only for    │
//	│  3. forward to drivers   │  │  2. evict stale        │  │  the lookup  │
//	└──────────────────────────┘  └────────────────────────┘  └──────────────┘
//
// # Locking
//
// Registry writes (construction, refresh, eviction) never wait. They use
// TryLock and abandon the attempt when the registry is busy; devices keep
// announcing themselves, so a dropped announcement or skipped sweep is
// retried on the next discovery cycle. Reset is the only blocking writer.
//
// Reply tables are locked per domain and never contend with the registry.
//
// # Identities
//
// A physical unit is named by its serial and its mode. Normal and Recovery
// identities of the same serial are distinct, but a serial never holds both
// at once: inserting one removes the other.
//
// # Reply correlation
//
// Drivers that expect an answer register under the 32-bit identifier of
// the reply frame before sending. Every inbound frame with that identifier
// satisfies all current waiters, so a waiter may receive a reply meant for
// a concurrent request and must check the payload itself (see Link.Request).
package device
