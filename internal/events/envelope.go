package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of an event for relays, the journal and the
// WebSocket feed.
type Envelope struct {
	ID     uuid.UUID `json:"event_id"`
	Kind   Kind      `json:"kind"`
	Source Source    `json:"source"`
	At     time.Time `json:"at"`
	Data   Event     `json:"data"`
}

func Wrap(e Event) Envelope {
	return Envelope{
		ID:     e.ID(),
		Kind:   e.Kind(),
		Source: e.Source(),
		At:     e.Time().UTC(),
		Data:   e,
	}
}

func Marshal(e Event) ([]byte, error) {
	return json.Marshal(Wrap(e))
}
