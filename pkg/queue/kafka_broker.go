package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/metrics"
)

const (
	headerJobRetryCount  = "cg-job-retry-count"
	headerJobRetryAt     = "cg-job-retry-at"
	headerJobOriginTopic = "cg-job-origin-topic"
	headerJobDLQError    = "cg-job-dlq-error"
	headerJobDB          = "cg-job-db"
)

type KafkaBrokerConfig struct {
	Brokers     []string
	ClientID    string
	GroupID     string
	Topic       string
	RetryTopic  string
	DLQTopic    string
	BackoffBase time.Duration
}

// MessageReader is the part of *kafka.Reader the broker consumes with.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the part of *kafka.Writer the broker publishes with.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBroker publishes envelopes to a job topic and re-publishes failed
// deliveries to a retry topic carrying the due time in a header.
type KafkaBroker struct {
	cfg         KafkaBrokerConfig
	writer      MessageWriter
	reader      MessageReader
	retryReader MessageReader
	logger      *zap.Logger
	group       sync.WaitGroup
}

// The topic is set per message, so the writer itself carries none.
func newWriter(brokers []string, clientID string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
		RequiredAcks: kafka.RequireAll,
	}
}

func newReader(brokers []string, clientID, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			ClientID: clientID,
		},
	})
}

// NewKafkaProducer builds a broker that can only publish.
func NewKafkaProducer(cfg KafkaBrokerConfig, logger *zap.Logger) *KafkaBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaBroker{cfg: cfg, writer: newWriter(cfg.Brokers, cfg.ClientID), logger: logger}
}

func NewKafkaBroker(cfg KafkaBrokerConfig, logger *zap.Logger) *KafkaBroker {
	b := NewKafkaProducer(cfg, logger)
	b.reader = newReader(cfg.Brokers, cfg.ClientID, cfg.GroupID, cfg.Topic)
	if cfg.RetryTopic != "" {
		b.retryReader = newReader(cfg.Brokers, cfg.ClientID, cfg.GroupID, cfg.RetryTopic)
	}
	return b
}

// Publish keys messages by database so one tenant's jobs keep their order
// within a partition.
func (b *KafkaBroker) Publish(ctx context.Context, env *Envelope) error {
	payload, err := encode(env)
	if err != nil {
		return err
	}
	headers := []kafka.Header{{Key: headerJobDB, Value: []byte(env.DBName)}}
	return b.publish(ctx, b.cfg.Topic, []byte(env.DBName), payload, headers)
}

type queuedMessage struct {
	reader  MessageReader
	message kafka.Message
}

func (b *KafkaBroker) Consume(ctx context.Context, handler Handler) error {
	if b.reader == nil {
		return errors.New("job queue reader is not configured")
	}
	if handler == nil {
		return errors.New("job handler is required")
	}

	messageCh := make(chan queuedMessage, 2)
	errCh := make(chan error, 2)

	b.group.Add(1)
	go b.consumeReader(ctx, b.reader, messageCh, errCh)

	if b.retryReader != nil {
		b.group.Add(1)
		go b.consumeReader(ctx, b.retryReader, messageCh, errCh)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg := <-messageCh:
			if err := b.handleMessage(ctx, msg, handler); err != nil {
				return err
			}
		}
	}
}

func (b *KafkaBroker) consumeReader(ctx context.Context, reader MessageReader, messageCh chan<- queuedMessage, errCh chan<- error) {
	defer b.group.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case messageCh <- queuedMessage{reader: reader, message: msg}:
		case <-ctx.Done():
			return
		}
	}
}

func (b *KafkaBroker) handleMessage(ctx context.Context, msg queuedMessage, handler Handler) error {
	if msg.message.Topic == b.cfg.RetryTopic {
		if retryAt := retryTime(msg.message); !retryAt.IsZero() {
			if delay := time.Until(retryAt); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
	}

	env, err := decode(msg.message.Value)
	if err != nil {
		return b.deadLetter(ctx, msg, nil, Permanent(err))
	}

	if handlerErr := handler(ctx, env); handlerErr != nil {
		return b.handleFailure(ctx, msg, env, handlerErr)
	}
	if err := msg.reader.CommitMessages(ctx, msg.message); err != nil {
		return fmt.Errorf("commit job offset: %w", err)
	}
	return nil
}

func (b *KafkaBroker) handleFailure(ctx context.Context, msg queuedMessage, env *Envelope, handlerErr error) error {
	retry, delay := nextAttempt(env, handlerErr, b.cfg.BackoffBase)
	if !retry || b.cfg.RetryTopic == "" {
		return b.deadLetter(ctx, msg, env, handlerErr)
	}

	payload, err := encode(env)
	if err != nil {
		return err
	}
	retryAt := time.Now().Add(delay)
	headers := appendHeaders(msg.message.Headers,
		kafka.Header{Key: headerJobRetryCount, Value: []byte(strconv.Itoa(env.Attempt))},
		kafka.Header{Key: headerJobRetryAt, Value: []byte(retryAt.Format(time.RFC3339Nano))},
		kafka.Header{Key: headerJobOriginTopic, Value: []byte(msg.message.Topic)},
	)
	if err := b.publish(ctx, b.cfg.RetryTopic, msg.message.Key, payload, headers); err != nil {
		return err
	}
	metrics.JobRetries.WithLabelValues(env.Kind).Inc()
	if err := msg.reader.CommitMessages(ctx, msg.message); err != nil {
		return fmt.Errorf("commit job offset: %w", err)
	}
	return nil
}

func (b *KafkaBroker) deadLetter(ctx context.Context, msg queuedMessage, env *Envelope, cause error) error {
	if b.cfg.DLQTopic == "" {
		return cause
	}
	value := msg.message.Value
	if env != nil {
		payload, err := encode(env)
		if err != nil {
			return err
		}
		value = payload
	}
	headers := appendHeaders(msg.message.Headers,
		kafka.Header{Key: headerJobOriginTopic, Value: []byte(msg.message.Topic)},
		kafka.Header{Key: headerJobDLQError, Value: []byte(cause.Error())},
	)
	if err := b.publish(ctx, b.cfg.DLQTopic, msg.message.Key, value, headers); err != nil {
		return err
	}
	if err := msg.reader.CommitMessages(ctx, msg.message); err != nil {
		return fmt.Errorf("commit job offset: %w", err)
	}
	return nil
}

func retryTime(message kafka.Message) time.Time {
	for _, header := range message.Headers {
		if header.Key == headerJobRetryAt {
			parsed, err := time.Parse(time.RFC3339Nano, string(header.Value))
			if err == nil {
				return parsed
			}
			return time.Time{}
		}
	}
	return time.Time{}
}

func appendHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	for _, h := range existing {
		if !overridden(h.Key, headers) {
			merged = append(merged, h)
		}
	}
	merged = append(merged, headers...)
	return merged
}

func overridden(key string, headers []kafka.Header) bool {
	for _, h := range headers {
		if h.Key == key {
			return true
		}
	}
	return false
}

func (b *KafkaBroker) publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if topic == "" {
		return errors.New("job queue topic is not configured")
	}
	message := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}
	return b.writer.WriteMessages(ctx, message)
}

func (b *KafkaBroker) Close() error {
	b.group.Wait()
	if err := b.writer.Close(); err != nil {
		return err
	}
	if b.reader != nil {
		if err := b.reader.Close(); err != nil {
			return err
		}
	}
	if b.retryReader != nil {
		if err := b.retryReader.Close(); err != nil {
			return err
		}
	}
	return nil
}
