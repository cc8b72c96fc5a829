// Package entity defines the addressing scheme shared by locks and presence:
// a CRM record is identified by an open entity type and an identifier.
package entity

import (
	"net/url"
	"strings"
)

// Key identifies a coordination target such as a deal or a lead.
type Key struct {
	Type string `json:"entityType"`
	ID   string `json:"entityId"`
}

// New returns a Key for the given type and id.
func New(entityType, entityID string) Key {
	return Key{Type: entityType, ID: entityID}
}

// Valid reports whether both components are set.
func (k Key) Valid() bool {
	return k.Type != "" && k.ID != ""
}

// String returns a human readable form, e.g. "deal/42".
func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// Segment encodes the key as a single store key segment. Components are
// query-escaped so ':' never appears inside them and prefixes stay
// unambiguous.
func (k Key) Segment() string {
	return url.QueryEscape(k.Type) + ":" + url.QueryEscape(k.ID)
}

// ParseSegment is the inverse of Segment.
func ParseSegment(s string) (Key, bool) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(id, ":") {
		return Key{}, false
	}
	t, err := url.QueryUnescape(typ)
	if err != nil {
		return Key{}, false
	}
	i, err := url.QueryUnescape(id)
	if err != nil {
		return Key{}, false
	}
	k := Key{Type: t, ID: i}
	return k, k.Valid()
}

// EscapeComponent escapes a free-form value (such as a user id) for use as a
// store key segment.
func EscapeComponent(s string) string {
	return url.QueryEscape(s)
}

// UnescapeComponent reverses EscapeComponent.
func UnescapeComponent(s string) (string, error) {
	return url.QueryUnescape(s)
}
