// Package plate holds the license-plate event model, the inbound message
// decoder and the error taxonomy shared by the listener, the stores and the
// HTTP surface.
package plate

import "fmt"

// Event is one plate sighting as persisted by a store.
//
// Timestamp is kept exactly as the publisher sent it. Stores order events by
// comparing it as a string, which is only chronological when producers emit a
// fixed-width sortable format such as RFC 3339 in a single zone.
type Event struct {
	ID        int64  `json:"id"`
	Plate     string `json:"plate"`
	Timestamp string `json:"timestamp"`
}

// Message is the wire shape published on the plates topic.
type Message struct {
	Plate     string `json:"plate"`
	Timestamp string `json:"timestamp"`
}

// CheckFields rejects the empty values a store must never hold.
func CheckFields(plate, timestamp string) error {
	if plate == "" {
		return fmt.Errorf("%w: plate is empty", ErrInvalidArgument)
	}
	if timestamp == "" {
		return fmt.Errorf("%w: timestamp is empty", ErrInvalidArgument)
	}
	return nil
}

// CheckLimit rejects non-positive list limits.
func CheckLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, limit)
	}
	return nil
}
