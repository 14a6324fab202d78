package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/cargomesh/eventcore/internal/domain/inbox"
	"github.com/cargomesh/eventcore/internal/domain/outbox"
	"github.com/cargomesh/eventcore/internal/publisher"
	"github.com/google/uuid"
)

// --- Outbox Repository Mock ---

// MockOutboxRepository is an in-memory outbox.Repository with the same
// terminal-transition semantics as the postgres implementation: MarkSent
// and MarkFailed only touch pending rows, both count the delivery attempt,
// and a failure past max_attempts dead-letters the message.
type MockOutboxRepository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*outbox.Message

	AppendFunc     func(ctx context.Context, msg *outbox.Message) error
	FetchFunc      func(ctx context.Context, limit int) ([]*outbox.Message, error)
	MarkSentFunc   func(ctx context.Context, id uuid.UUID) error
	MarkFailedFunc func(ctx context.Context, id uuid.UUID, deliveryErr string) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{messages: make(map[uuid.UUID]*outbox.Message)}
}

func (m *MockOutboxRepository) Append(ctx context.Context, msg *outbox.Message) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MockOutboxRepository) FetchPendingBatch(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*outbox.Message
	for _, msg := range m.messages {
		if msg.Status == outbox.StatusPending {
			cp := *msg
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *MockOutboxRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	if m.MarkSentFunc != nil {
		return m.MarkSentFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Status != outbox.StatusPending {
		return nil
	}
	now := time.Now()
	msg.Status = outbox.StatusSent
	msg.SentAt = &now
	msg.Attempts++
	msg.LastError = ""
	return nil
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, deliveryErr string) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id, deliveryErr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Status != outbox.StatusPending {
		return nil
	}
	msg.Attempts++
	msg.LastError = deliveryErr
	if msg.Attempts >= msg.MaxAttempts {
		msg.Status = outbox.StatusFailed
	}
	return nil
}

func (m *MockOutboxRepository) Get(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, domainErrors.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *MockOutboxRepository) snapshot() map[uuid.UUID]*outbox.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[uuid.UUID]*outbox.Message, len(m.messages))
	for id, msg := range m.messages {
		cp := *msg
		snap[id] = &cp
	}
	return snap
}

func (m *MockOutboxRepository) restore(snap map[uuid.UUID]*outbox.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = snap
}

// --- Inbox Repository Mock ---

// MockInboxRepository is an in-memory inbox.Repository with
// insert-if-absent semantics.
type MockInboxRepository struct {
	mu      sync.Mutex
	records map[string]*inbox.Record
}

func NewMockInboxRepository() *MockInboxRepository {
	return &MockInboxRepository{records: make(map[string]*inbox.Record)}
}

func (m *MockInboxRepository) HasProcessed(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok, nil
}

func (m *MockInboxRepository) MarkProcessed(ctx context.Context, id string, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; ok {
		// conflict-ignore: first writer wins
		return nil
	}
	m.records[id] = &inbox.Record{ID: id, Metadata: metadata, ProcessedAt: time.Now()}
	return nil
}

func (m *MockInboxRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// --- Transaction Manager Mock ---

// MockTransactionManager mimics rollback for the in-memory outbox
// repository: if fn returns an error, any appends made inside it are
// discarded, like a database transaction would.
type MockTransactionManager struct {
	Outbox *MockOutboxRepository
}

func NewMockTransactionManager(outboxRepo *MockOutboxRepository) *MockTransactionManager {
	return &MockTransactionManager{Outbox: outboxRepo}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	var snap map[uuid.UUID]*outbox.Message
	if m.Outbox != nil {
		snap = m.Outbox.snapshot()
	}
	if err := fn(ctx); err != nil {
		if m.Outbox != nil {
			m.Outbox.restore(snap)
		}
		return err
	}
	return nil
}

// --- Publisher Mock ---

// ScriptedPublisher fails a fixed number of times before succeeding, and
// records every call. FailWith controls the error returned during the
// failing phase.
type ScriptedPublisher struct {
	PublisherName string
	FailuresLeft  int
	FailWith      error

	mu        sync.Mutex
	calls     int
	published []publisher.Event
}

func (p *ScriptedPublisher) Name() string {
	if p.PublisherName == "" {
		return "scripted"
	}
	return p.PublisherName
}

func (p *ScriptedPublisher) Publish(ctx context.Context, event publisher.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.FailuresLeft > 0 {
		p.FailuresLeft--
		return p.FailWith
	}
	p.published = append(p.published, event)
	return nil
}

func (p *ScriptedPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *ScriptedPublisher) Published() []publisher.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publisher.Event, len(p.published))
	copy(out, p.published)
	return out
}
