package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/logging"
	"github.com/coursegrid/coursegrid/pkg/tenancy"
)

type Option func(*Envelope)

func WithTimeout(d time.Duration) Option {
	return func(e *Envelope) { e.Timeout = d }
}

func WithDeadline(t time.Time) Option {
	return func(e *Envelope) { e.Deadline = t }
}

func WithMaxAttempts(n int) Option {
	return func(e *Envelope) { e.MaxAttempts = n }
}

// Dispatcher enqueues jobs bound to the database of the calling unit of work.
type Dispatcher struct {
	broker      Broker
	maxAttempts int
	timeout     time.Duration
	logger      *zap.Logger
}

func NewDispatcher(broker Broker, maxAttempts int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{broker: broker, maxAttempts: maxAttempts, timeout: timeout, logger: logger}
}

// Dispatch captures the current binding of ctx into a new envelope and
// publishes it. It fails with tenancy.ErrNoBinding outside a binding.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, args interface{}, opts ...Option) (*Envelope, error) {
	binding, err := tenancy.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", kind, err)
	}

	var raw json.RawMessage
	if args != nil {
		raw, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("dispatch %s: marshal args: %w", kind, err)
		}
	}

	env := &Envelope{
		ID:          uuid.NewString(),
		Kind:        kind,
		DBName:      binding.DBName,
		TenantID:    binding.TenantID,
		Args:        raw,
		Timeout:     d.timeout,
		MaxAttempts: d.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(env)
	}

	if err := d.broker.Publish(ctx, env); err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", kind, err)
	}
	logging.FromContext(ctx, d.logger).Info("job dispatched",
		zap.String("job_id", env.ID),
		zap.String("kind", kind),
		zap.String("db", env.DBName),
	)
	return env, nil
}
