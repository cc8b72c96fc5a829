// Package presence tracks which users are looking at an entity.
//
// Presence is a volatile, best-effort view: every record carries a store TTL
// equal to the presence window, heartbeats refresh it, and records whose
// window has passed are filtered out at read time. Nothing is persisted.
package presence
