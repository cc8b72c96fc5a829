// Package events fans collaboration events (lock transitions, viewers joining
// and leaving) out to every API instance so clients watching an entity can be
// updated live over Server-Sent Events or WebSocket.
//
// Delivery is best-effort. A slow watcher drops messages instead of blocking
// publishers, and lock or presence operations never fail because an event
// could not be published.
package events
