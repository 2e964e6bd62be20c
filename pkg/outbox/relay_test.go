package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/model"
)

type memoryRepo struct {
	mu     sync.Mutex
	events []model.TenantEvent
}

func (r *memoryRepo) ListPending(_ context.Context, limit int) ([]model.TenantEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TenantEvent
	for _, e := range r.events {
		if e.Status == model.OutboxStatusPending && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryRepo) set(id uuid.UUID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].EventID == id {
			r.events[i].Status = status
		}
	}
}

func (r *memoryRepo) MarkPublished(_ context.Context, id uuid.UUID, _ time.Time) error {
	r.set(id, model.OutboxStatusPublished)
	return nil
}

func (r *memoryRepo) MarkFailed(_ context.Context, id uuid.UUID) error {
	r.set(id, model.OutboxStatusFailed)
	return nil
}

func (r *memoryRepo) status(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i].Status
}

type recordingWriter struct {
	fail     func(kafka.Message) bool
	messages []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		if w.fail != nil && w.fail(m) {
			return errors.New("leader not available")
		}
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func event(tenantID uint64, eventType string) model.TenantEvent {
	return model.TenantEvent{
		EventID:   uuid.New(),
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   model.JSONB{"tenant_id": tenantID},
		Status:    model.OutboxStatusPending,
		CreatedAt: time.Now(),
	}
}

func TestProcessPendingPublishesInOrder(t *testing.T) {
	repo := &memoryRepo{events: []model.TenantEvent{
		event(1, model.EventTenantOnboarded),
		event(1, model.EventTenantStatus),
		event(2, model.EventTenantOnboarded),
	}}
	writer := &recordingWriter{}
	relay := NewRelay(repo, writer, &recordingWriter{}, zap.NewNop(), time.Second, 10)

	assert.Equal(t, 3, relay.ProcessPending(context.Background()))
	require.Len(t, writer.messages, 3)
	assert.Equal(t, "1", string(writer.messages[0].Key))
	assert.Equal(t, "2", string(writer.messages[2].Key))

	var msg Message
	require.NoError(t, json.Unmarshal(writer.messages[1].Value, &msg))
	assert.Equal(t, model.EventTenantStatus, msg.EventType)
	assert.EqualValues(t, 1, msg.TenantID)

	for i := range repo.events {
		assert.Equal(t, model.OutboxStatusPublished, repo.status(i))
	}
	assert.Zero(t, relay.ProcessPending(context.Background()))
}

func TestFailedPublishGoesToDLQ(t *testing.T) {
	repo := &memoryRepo{events: []model.TenantEvent{
		event(1, model.EventTenantOnboarded),
		event(2, model.EventTenantDeleted),
	}}
	writer := &recordingWriter{fail: func(m kafka.Message) bool { return string(m.Key) == "2" }}
	dlq := &recordingWriter{}
	relay := NewRelay(repo, writer, dlq, zap.NewNop(), time.Second, 10)

	assert.Equal(t, 2, relay.ProcessPending(context.Background()))
	assert.Equal(t, model.OutboxStatusPublished, repo.status(0))
	assert.Equal(t, model.OutboxStatusFailed, repo.status(1))

	require.Len(t, dlq.messages, 1)
	var dead DLQMessage
	require.NoError(t, json.Unmarshal(dlq.messages[0].Value, &dead))
	assert.Equal(t, model.EventTenantDeleted, dead.Event.EventType)
	assert.Contains(t, dead.Error, "leader not available")
}

func TestEventStaysPendingWhenDLQFails(t *testing.T) {
	repo := &memoryRepo{events: []model.TenantEvent{event(1, model.EventTenantOnboarded)}}
	broken := &recordingWriter{fail: func(kafka.Message) bool { return true }}
	relay := NewRelay(repo, broken, broken, zap.NewNop(), time.Second, 10)

	assert.Zero(t, relay.ProcessPending(context.Background()))
	assert.Equal(t, model.OutboxStatusPending, repo.status(0))
}
