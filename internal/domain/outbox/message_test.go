package outbox

import (
	"encoding/json"
	"testing"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	payload := json.RawMessage(`{"shipment_id":"shp_123","carrier":"dhl"}`)

	msg, err := NewMessage("shipment.created", "shp_123", payload)

	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.Equal(t, "shipment.created", msg.EventName)
	assert.Equal(t, "shp_123", msg.AggregateID)
	assert.Equal(t, payload, msg.Payload)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 0, msg.Attempts)
	assert.Equal(t, DefaultMaxAttempts, msg.MaxAttempts)
	assert.Empty(t, msg.LastError)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Nil(t, msg.SentAt)
}

func TestNewMessage_EmptyEventName(t *testing.T) {
	msg, err := NewMessage("", "agg-1", nil)

	assert.Nil(t, msg)
	assert.ErrorIs(t, err, domainErrors.ErrEmptyEventName)
}

func TestNewMessage_OptionalAggregateID(t *testing.T) {
	msg, err := NewMessage("invoice.issued", "", nil)

	require.NoError(t, err)
	assert.Empty(t, msg.AggregateID)
	assert.Nil(t, msg.Payload)
}

func TestNewMessage_UniqueIDs(t *testing.T) {
	msg1, err := NewMessage("order.created", "ord-1", nil)
	require.NoError(t, err)
	msg2, err := NewMessage("order.created", "ord-1", nil)
	require.NoError(t, err)

	assert.NotEqual(t, msg1.ID, msg2.ID)
}

func TestMessage_Terminal(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		terminal bool
	}{
		{"pending is not terminal", StatusPending, false},
		{"sent is terminal", StatusSent, true},
		{"failed is terminal", StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{Status: tt.status}
			assert.Equal(t, tt.terminal, m.Terminal())
		})
	}
}

func TestStatus_Constants(t *testing.T) {
	assert.Equal(t, Status("pending"), StatusPending)
	assert.Equal(t, Status("sent"), StatusSent)
	assert.Equal(t, Status("failed"), StatusFailed)
}
