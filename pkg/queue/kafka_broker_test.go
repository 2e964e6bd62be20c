package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryReader hands out queued messages, then blocks until ctx is done.
type memoryReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []kafka.Message
	onCommit  func()
}

func (r *memoryReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *memoryReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed = append(r.committed, msgs...)
	onCommit := r.onCommit
	r.mu.Unlock()
	if onCommit != nil {
		onCommit()
	}
	return nil
}

func (r *memoryReader) Close() error { return nil }

type memoryWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *memoryWriter) Close() error { return nil }

func (w *memoryWriter) last(t *testing.T) kafka.Message {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.messages)
	return w.messages[len(w.messages)-1]
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

var testKafkaConfig = KafkaBrokerConfig{
	Topic:       "jobs",
	RetryTopic:  "jobs.retry",
	DLQTopic:    "jobs.dlq",
	BackoffBase: time.Millisecond,
}

func newTestKafkaBroker(cfg KafkaBrokerConfig) (*KafkaBroker, *memoryWriter) {
	w := &memoryWriter{}
	b := &KafkaBroker{cfg: cfg, writer: w, reader: &memoryReader{}, logger: zap.NewNop()}
	return b, w
}

func jobMessage(t *testing.T, topic string, env *Envelope) kafka.Message {
	t.Helper()
	payload, err := encode(env)
	require.NoError(t, err)
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(env.DBName),
		Value:   payload,
		Headers: []kafka.Header{{Key: headerJobDB, Value: []byte(env.DBName)}},
	}
}

func TestNewWriterCarriesClientID(t *testing.T) {
	w := newWriter([]string{"kafka-1:9092", "kafka-2:9092"}, "coursegrid")
	require.NotNil(t, w.Addr)
	assert.Equal(t, "tcp", w.Addr.Network())
	assert.Empty(t, w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	transport, ok := w.Transport.(*kafka.Transport)
	require.True(t, ok)
	assert.Equal(t, "coursegrid", transport.ClientID)
}

func TestKafkaPublishKeysByDatabase(t *testing.T) {
	b, w := newTestKafkaBroker(testKafkaConfig)
	require.NoError(t, b.Publish(context.Background(), &Envelope{ID: "j1", Kind: "report.generate", DBName: "acme"}))

	msg := w.last(t)
	assert.Equal(t, "jobs", msg.Topic)
	assert.Equal(t, []byte("acme"), msg.Key)
	assert.Equal(t, "acme", header(msg, headerJobDB))
}

func TestKafkaFailedDeliveryGoesToRetryThenDeadLetter(t *testing.T) {
	b, w := newTestKafkaBroker(testKafkaConfig)
	reader := &memoryReader{}
	retryReader := &memoryReader{}
	failing := func(context.Context, *Envelope) error { return errors.New("database is restarting") }
	ctx := context.Background()

	first := jobMessage(t, "jobs", &Envelope{ID: "j1", Kind: "report.generate", DBName: "acme", MaxAttempts: 2})
	require.NoError(t, b.handleMessage(ctx, queuedMessage{reader: reader, message: first}, failing))

	retried := w.last(t)
	assert.Equal(t, "jobs.retry", retried.Topic)
	assert.Equal(t, []byte("acme"), retried.Key)
	assert.Equal(t, "1", header(retried, headerJobRetryCount))
	assert.Equal(t, "jobs", header(retried, headerJobOriginTopic))
	assert.Equal(t, "acme", header(retried, headerJobDB))
	assert.False(t, retryTime(retried).IsZero())
	require.Len(t, reader.committed, 1)

	env, err := decode(retried.Value)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, "database is restarting", env.LastError)

	// The second failure exhausts MaxAttempts.
	require.NoError(t, b.handleMessage(ctx, queuedMessage{reader: retryReader, message: retried}, failing))
	dead := w.last(t)
	assert.Equal(t, "jobs.dlq", dead.Topic)
	assert.Equal(t, "jobs.retry", header(dead, headerJobOriginTopic))
	assert.Equal(t, "database is restarting", header(dead, headerJobDLQError))
	require.Len(t, retryReader.committed, 1)

	env, err = decode(dead.Value)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Attempt)
}

func TestKafkaRetryCountIncrements(t *testing.T) {
	b, w := newTestKafkaBroker(testKafkaConfig)
	failing := func(context.Context, *Envelope) error { return errors.New("timeout") }

	msg := jobMessage(t, "jobs.retry", &Envelope{ID: "j1", Kind: "course.clone", DBName: "acme", Attempt: 1, MaxAttempts: 5})
	msg.Headers = append(msg.Headers, kafka.Header{Key: headerJobRetryCount, Value: []byte("1")})
	require.NoError(t, b.handleMessage(context.Background(), queuedMessage{reader: &memoryReader{}, message: msg}, failing))

	retried := w.last(t)
	assert.Equal(t, "jobs.retry", retried.Topic)
	assert.Equal(t, "2", header(retried, headerJobRetryCount))
	count := 0
	for _, h := range retried.Headers {
		if h.Key == headerJobRetryCount {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestKafkaPermanentAndUndecodableGoStraightToDeadLetter(t *testing.T) {
	b, w := newTestKafkaBroker(testKafkaConfig)
	ctx := context.Background()

	msg := jobMessage(t, "jobs", &Envelope{ID: "j1", Kind: "course.clone", DBName: "acme", MaxAttempts: 5})
	permanent := func(context.Context, *Envelope) error { return Permanent(errors.New("unknown job kind")) }
	require.NoError(t, b.handleMessage(ctx, queuedMessage{reader: &memoryReader{}, message: msg}, permanent))
	assert.Equal(t, "jobs.dlq", w.last(t).Topic)

	garbage := kafka.Message{Topic: "jobs", Key: []byte("acme"), Value: []byte("{not json")}
	called := false
	require.NoError(t, b.handleMessage(ctx, queuedMessage{reader: &memoryReader{}, message: garbage}, func(context.Context, *Envelope) error {
		called = true
		return nil
	}))
	assert.False(t, called)
	dead := w.last(t)
	assert.Equal(t, "jobs.dlq", dead.Topic)
	assert.Equal(t, []byte("{not json"), dead.Value)
}

func TestKafkaWithoutDeadLetterTopicReturnsCause(t *testing.T) {
	cfg := testKafkaConfig
	cfg.DLQTopic = ""
	b, w := newTestKafkaBroker(cfg)
	reader := &memoryReader{}

	msg := jobMessage(t, "jobs", &Envelope{ID: "j1", Kind: "course.clone", DBName: "acme", MaxAttempts: 1})
	err := b.handleMessage(context.Background(), queuedMessage{reader: reader, message: msg}, func(context.Context, *Envelope) error {
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Empty(t, w.messages)
	assert.Empty(t, reader.committed)
}

func TestKafkaConsumeCommitsHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &memoryReader{onCommit: cancel}
	reader.messages = []kafka.Message{jobMessage(t, "jobs", &Envelope{ID: "j1", Kind: "report.generate", DBName: "acme"})}
	w := &memoryWriter{}
	b := &KafkaBroker{cfg: testKafkaConfig, writer: w, reader: reader, logger: zap.NewNop()}

	var handled []string
	err := b.Consume(ctx, func(_ context.Context, env *Envelope) error {
		handled = append(handled, env.ID)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"j1"}, handled)
	require.Len(t, reader.committed, 1)
	assert.Empty(t, w.messages)
	require.NoError(t, b.Close())
}

func TestKafkaConsumeNeedsReader(t *testing.T) {
	b := NewKafkaProducer(KafkaBrokerConfig{Brokers: []string{"localhost:9092"}, Topic: "jobs"}, nil)
	err := b.Consume(context.Background(), func(context.Context, *Envelope) error { return nil })
	assert.Error(t, err)
	require.NoError(t, b.Close())
}
