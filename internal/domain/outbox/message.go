package outbox

import (
	"encoding/json"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/google/uuid"
)

// Message is one durably queued event awaiting delivery. It is written in
// the same transaction as the business mutation that produced it and is
// mutated only by the dispatcher afterwards.
type Message struct {
	ID          uuid.UUID
	EventName   string
	AggregateID string // optional correlation key, empty if not set
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	SentAt      *time.Time
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// DefaultMaxAttempts is the dead-letter ceiling applied when the caller does
// not choose one. A message whose Attempts reaches this value on a failed
// delivery becomes terminally failed.
const DefaultMaxAttempts = 5

// NewMessage builds a pending message. The payload is opaque to this core;
// it is stored and delivered byte-for-byte.
func NewMessage(eventName string, aggregateID string, payload json.RawMessage) (*Message, error) {
	if eventName == "" {
		return nil, domainErrors.ErrEmptyEventName
	}
	return &Message{
		ID:          uuid.New(),
		EventName:   eventName,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   time.Now(),
	}, nil
}

// Terminal reports whether the message has left the pending state.
func (m *Message) Terminal() bool {
	return m.Status == StatusSent || m.Status == StatusFailed
}
