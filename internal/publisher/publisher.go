package publisher

import (
	"context"
	"encoding/json"
)

// Event is the unit handed to a Publisher. The payload is opaque: it is
// produced by the business caller and delivered byte-for-byte. The ID
// travels with the event so consumers can deduplicate redeliveries.
type Event struct {
	ID          string
	Name        string
	AggregateID string
	Payload     json.RawMessage
}

// Publisher delivers events to the outside world. Implementations are
// supplied by the surrounding application; this core places no constraint
// on transport. Name identifies the downstream resource for circuit
// breaking: independent publishers get independent circuits.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}
