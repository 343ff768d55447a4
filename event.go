package cdcrelay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/romshark/cdcrelay/db"
)

// EventType is the kind of change a domain event announces.
type EventType string

const (
	EventCreated EventType = "Created"
	EventUpdated EventType = "Updated"
	EventDeleted EventType = "Deleted"
)

// EventTypeOf maps a feed operation to the event type it's published as.
func EventTypeOf(op db.Op) (EventType, error) {
	switch op {
	case db.OpInsert:
		return EventCreated, nil
	case db.OpModify:
		return EventUpdated, nil
	case db.OpRemove:
		return EventDeleted, nil
	}
	return "", fmt.Errorf("unsupported operation: %s", op)
}

// Envelope is the wire format of a domain event.
type Envelope struct {
	// Type is the kind followed by the event type, e.g. "AgencyCreated".
	Type string `json:"type"`

	// Data holds the entity fields.
	Data json.RawMessage `json:"data"`

	// Timestamp is the logical time of the write in Unix seconds.
	Timestamp int64 `json:"timestamp"`

	// Source is the name of the producing service.
	Source string `json:"source"`

	// ID is the idempotency key of the event.
	ID string `json:"id"`
}

// EnvelopeType returns the envelope type name of kind and t.
func EnvelopeType(kind string, t EventType) string { return kind + string(t) }

// ParseEnvelopeType splits an envelope type name into kind and event type.
func ParseEnvelopeType(s string) (kind string, t EventType, err error) {
	for _, t := range [...]EventType{EventCreated, EventUpdated, EventDeleted} {
		if k, ok := strings.CutSuffix(s, string(t)); ok && k != "" {
			return k, t, nil
		}
	}
	return "", "", fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, s)
}

// Subject returns the bus subject events of kind and t are published to,
// e.g. "cdcrelay.agency.created" for prefix "cdcrelay".
func Subject(prefix, kind string, t EventType) string {
	return prefix + "." + strings.ToLower(kind) + "." + strings.ToLower(string(t))
}
